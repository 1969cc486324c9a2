// Package transfer implements the WarpDeck Transfer State Machine: per-
// session lifecycle covering approval, temporary buffering, atomic
// finalisation, cancellation, and cleanup across sender and receiver roles.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deepc0py/WarpDeck/internal/events"
)

const approvalWindow = 30 * time.Minute

const tempDirName = ".warpdeck_temp"

const writeBufferSize = 32 * 1024

// writeBufferPool avoids a fresh allocation per chunk written to a temp
// file during an upload.
var writeBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, writeBufferSize) },
}

// approvalWaiter lets the protocol server's request handler block on a
// decision reached asynchronously by the embedder's respond_to_transfer
// call, per spec's canonical "(a) block the request handler" contract.
type approvalWaiter struct {
	ch   chan bool
	once sync.Once
}

func (w *approvalWaiter) resolve(accept bool) {
	w.once.Do(func() {
		w.ch <- accept
		close(w.ch)
	})
}

// Machine owns every active TransferSession. It is the exclusive owner of
// the active-transfer map and temp-file path map, guarded by mu.
type Machine struct {
	mu sync.Mutex

	log        *logrus.Entry
	dispatcher *events.Dispatcher

	sessions map[string]*Session
	waiters  map[string]*approvalWaiter

	isTrusted func(deviceID, fingerprint string) bool
}

// New constructs a Machine. isTrusted is stored on the Machine but not
// consulted by it: every incoming request raises
// on_incoming_transfer_request whether or not the peer is trusted (see
// DESIGN.md open-question decision #2).
func New(dispatcher *events.Dispatcher, isTrusted func(deviceID, fingerprint string) bool, log *logrus.Entry) *Machine {
	return &Machine{
		log:        log,
		dispatcher: dispatcher,
		sessions:   make(map[string]*Session),
		waiters:    make(map[string]*approvalWaiter),
		isTrusted:  isTrusted,
	}
}

// InitiateTransfer implements the sender-side initiate_transfer operation.
// Paths that do not exist are skipped. If no files remain, it returns an
// empty transfer_id and fires no callbacks.
func (m *Machine) InitiateTransfer(peerDeviceID, peerName, peerHost string, peerPort int, peerFingerprint string, filePaths []string) (string, error) {
	files := make([]FileMetadata, 0, len(filePaths))
	for _, path := range filePaths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		hash, err := sha256File(path)
		if err != nil {
			continue
		}
		files = append(files, FileMetadata{Name: filepath.Base(path), Size: info.Size(), Hash: hash})
	}

	if len(files) == 0 {
		return "", nil
	}

	transferID := uuid.NewString()
	total := int64(0)
	for _, f := range files {
		total += f.Size
	}

	session := &Session{
		TransferID:      transferID,
		PeerDeviceID:    peerDeviceID,
		PeerName:        peerName,
		Direction:       Sending,
		Status:          PendingApproval,
		Files:           files,
		TotalBytes:      total,
		PeerHost:        peerHost,
		PeerPort:        peerPort,
		PeerFingerprint: peerFingerprint,
	}

	m.mu.Lock()
	m.sessions[transferID] = session
	m.mu.Unlock()

	return transferID, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HandleIncomingRequest implements the receiver-side half of a transfer
// request: it creates a PENDING_APPROVAL session and raises
// on_incoming_transfer_request. Per the always-raise decision recorded in
// DESIGN.md, this happens regardless of whether peerFingerprint is already
// trusted.
func (m *Machine) HandleIncomingRequest(peerDeviceID, peerName, peerFingerprint, destinationFolder string, files []FileMetadata) string {
	transferID := uuid.NewString()
	total := int64(0)
	for _, f := range files {
		total += f.Size
	}

	session := &Session{
		TransferID:        transferID,
		PeerDeviceID:      peerDeviceID,
		PeerName:          peerName,
		Direction:         Receiving,
		Status:            PendingApproval,
		Files:             files,
		TotalBytes:        total,
		PeerFingerprint:   peerFingerprint,
		DestinationFolder: destinationFolder,
		ExpiresAt:         time.Now().Add(approvalWindow),
	}

	m.mu.Lock()
	m.sessions[transferID] = session
	m.waiters[transferID] = &approvalWaiter{ch: make(chan bool, 1)}
	m.mu.Unlock()

	eventFiles := make([]events.FileMeta, len(files))
	for i, f := range files {
		eventFiles[i] = events.FileMeta{Name: f.Name, Size: f.Size, Hash: f.Hash}
	}
	if m.dispatcher != nil {
		m.dispatcher.Publish(events.Event{
			Kind:         events.KindIncomingTransferRequest,
			TransferID:   transferID,
			PeerDeviceID: peerDeviceID,
			Files:        eventFiles,
		})
	}

	return transferID
}

// AwaitApproval blocks until respond_to_transfer resolves the session or
// the 30-minute approval window elapses, whichever comes first. It is the
// blocking half of the "(a) block the request handler" contract §4.3
// mandates.
func (m *Machine) AwaitApproval(ctx context.Context, transferID string) (accepted bool, err error) {
	m.mu.Lock()
	waiter, ok := m.waiters[transferID]
	session := m.sessions[transferID]
	m.mu.Unlock()
	if !ok || session == nil {
		return false, NewError(ErrUnknownSession, transferID, "no such session")
	}

	deadline := time.Until(session.ExpiresAt)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case accept, chOpen := <-waiter.ch:
		if !chOpen {
			return false, NewError(ErrApprovalExpired, transferID, "approval channel closed")
		}
		return accept, nil
	case <-timer.C:
		m.expire(transferID)
		return false, NewError(ErrApprovalExpired, transferID, "approval window elapsed")
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Machine) expire(transferID string) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok || session.Status != PendingApproval {
		m.mu.Unlock()
		return
	}
	session.Status = Cancelled
	session.ErrorMessage = "Transfer expired"
	m.mu.Unlock()
	m.fireCompletion(transferID, false, "Transfer expired")
	m.cleanup(transferID)
}

// RespondToTransfer implements respond_to_transfer(id, accept). Only
// meaningful in PENDING_APPROVAL; calls in any other state are silently
// ignored, matching spec's idempotence law.
func (m *Machine) RespondToTransfer(transferID string, accept bool) error {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok {
		m.mu.Unlock()
		return NewError(ErrUnknownSession, transferID, "no such session")
	}
	if session.Status != PendingApproval {
		m.mu.Unlock()
		return nil
	}

	if !accept {
		session.Status = Cancelled
		session.ErrorMessage = "Transfer declined"
		m.mu.Unlock()
		m.resolveWaiter(transferID, false)
		m.fireCompletion(transferID, false, "Transfer declined")
		m.cleanup(transferID)
		return nil
	}

	if session.Direction == Receiving {
		if err := m.prepareScratch(session); err != nil {
			session.Status = Failed
			session.ErrorMessage = err.Error()
			m.mu.Unlock()
			m.resolveWaiter(transferID, false)
			m.fireCompletion(transferID, false, err.Error())
			return err
		}
	}
	session.Status = Approved
	m.mu.Unlock()

	m.resolveWaiter(transferID, true)
	return nil
}

func (m *Machine) resolveWaiter(transferID string, accept bool) {
	m.mu.Lock()
	waiter, ok := m.waiters[transferID]
	m.mu.Unlock()
	if ok {
		waiter.resolve(accept)
	}
}

// prepareScratch creates destination_folder/.warpdeck_temp/ and one empty
// temp file per file_index, caller must hold m.mu.
func (m *Machine) prepareScratch(session *Session) error {
	scratchDir := filepath.Join(session.DestinationFolder, tempDirName)
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return fmt.Errorf("transfer: create scratch dir: %w", err)
	}

	paths, transferred := newFileIndexMaps(len(session.Files))
	for i := range session.Files {
		path := filepath.Join(scratchDir, fmt.Sprintf("%s_%d.tmp", session.TransferID, i))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("transfer: create temp file: %w", err)
		}
		f.Close()
		paths[i] = path
		transferred[i] = 0
	}
	session.tempPaths = paths
	session.fileTransferred = transferred
	return nil
}

// HandleFileUpload implements the receiver-side upload handling: appends
// body to the temp file for file_index, updates transferred_bytes, fires
// progress, and finalizes the file via atomic rename once its declared
// size is reached. When every file for the session is finalized, the
// session transitions to COMPLETED.
func (m *Machine) HandleFileUpload(transferID string, fileIndex int, body io.Reader) (int64, error) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok {
		m.mu.Unlock()
		return 0, NewError(ErrUnknownSession, transferID, "no such session")
	}
	if session.Status.IsTerminal() {
		m.mu.Unlock()
		return 0, &Error{Kind: ErrUploadFailed, TransferID: transferID, FileIndex: fileIndex, Reason: "session already terminal"}
	}
	if fileIndex < 0 || fileIndex >= len(session.Files) {
		m.mu.Unlock()
		return 0, &Error{Kind: ErrUploadFailed, TransferID: transferID, FileIndex: fileIndex, Reason: "file index out of range"}
	}
	path, ok := session.tempPaths[fileIndex]
	if !ok {
		m.mu.Unlock()
		return 0, &Error{Kind: ErrUploadFailed, TransferID: transferID, FileIndex: fileIndex, Reason: "session not approved"}
	}
	session.Status = InProgress
	m.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, m.failUpload(transferID, fileIndex, err)
	}
	defer f.Close()

	buf := writeBufferPool.Get().([]byte)
	defer writeBufferPool.Put(buf) //nolint:staticcheck

	written, err := io.CopyBuffer(f, body, buf)
	if err != nil {
		return written, m.failUpload(transferID, fileIndex, err)
	}

	m.mu.Lock()
	session.TransferredBytes += written
	session.fileTransferred[fileIndex] += written
	fileDone := session.fileTransferred[fileIndex] >= session.Files[fileIndex].Size
	percent := 0
	if session.TotalBytes > 0 {
		percent = int(100 * session.TransferredBytes / session.TotalBytes)
	} else {
		percent = 100
	}
	bytesSoFar := session.TransferredBytes
	m.mu.Unlock()

	if m.dispatcher != nil {
		m.dispatcher.Publish(events.Event{
			Kind:       events.KindTransferProgress,
			TransferID: transferID,
			Percent:    percent,
			Bytes:      bytesSoFar,
		})
	}

	if fileDone {
		if err := m.finalizeFile(session, fileIndex); err != nil {
			return written, m.failUpload(transferID, fileIndex, err)
		}
	}

	if m.allFilesFinalized(session) {
		m.mu.Lock()
		session.Status = Completed
		m.mu.Unlock()
		m.fireCompletion(transferID, true, "")
		m.cleanup(transferID)
	}

	return written, nil
}

func (m *Machine) failUpload(transferID string, fileIndex int, cause error) error {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if ok && !session.Status.IsTerminal() {
		session.Status = Failed
		session.ErrorMessage = cause.Error()
	}
	m.mu.Unlock()
	m.fireCompletion(transferID, false, cause.Error())
	return &Error{Kind: ErrUploadFailed, TransferID: transferID, FileIndex: fileIndex, Reason: cause.Error()}
}

// finalizeFile ensures the destination directory exists and atomically
// renames the temp file to its final name.
func (m *Machine) finalizeFile(session *Session, fileIndex int) error {
	m.mu.Lock()
	tempPath := session.tempPaths[fileIndex]
	destDir := session.DestinationFolder
	destName := session.Files[fileIndex].Name
	m.mu.Unlock()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("transfer: create destination dir: %w", err)
	}
	destPath := filepath.Join(destDir, destName)
	if err := os.Rename(tempPath, destPath); err != nil {
		return fmt.Errorf("transfer: finalize file: %w", err)
	}
	return nil
}

func (m *Machine) allFilesFinalized(session *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range session.Files {
		path := filepath.Join(session.DestinationFolder, f.Name)
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// CancelTransfer implements cancel_transfer(id): transitions to CANCELLED,
// fires completion, and cleans up. A no-op in terminal states.
func (m *Machine) CancelTransfer(transferID string) error {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok {
		m.mu.Unlock()
		return NewError(ErrUnknownSession, transferID, "no such session")
	}
	if session.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	session.Status = Cancelled
	session.ErrorMessage = "Transfer cancelled"
	m.mu.Unlock()

	m.resolveWaiter(transferID, false)
	m.fireCompletion(transferID, false, "Transfer cancelled")
	m.cleanup(transferID)
	return nil
}

// MarkSendingApproved transitions a SENDING session from PENDING_APPROVAL
// to APPROVED after the client's request_transfer call returns 202.
func (m *Machine) MarkSendingApproved(transferID string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[transferID]
	if !ok || session.Status != PendingApproval {
		return
	}
	session.Status = Approved
	session.ExpiresAt = expiresAt
}

// MarkSendingDeclined transitions a SENDING session to CANCELLED after the
// client sees 403 USER_DECLINED.
func (m *Machine) MarkSendingDeclined(transferID string) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok || session.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	session.Status = Cancelled
	session.ErrorMessage = "Transfer declined"
	m.mu.Unlock()
	m.fireCompletion(transferID, false, "Transfer declined")
}

// RecordSentProgress updates a SENDING session's transferred_bytes after
// an upload_file call completes and fires the progress event.
func (m *Machine) RecordSentProgress(transferID string, sentBytes int64) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok || session.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if session.Status == Approved {
		session.Status = InProgress
	}
	session.TransferredBytes += sentBytes
	percent := 100
	if session.TotalBytes > 0 {
		percent = int(100 * session.TransferredBytes / session.TotalBytes)
	}
	bytesSoFar := session.TransferredBytes
	m.mu.Unlock()

	if m.dispatcher != nil {
		m.dispatcher.Publish(events.Event{
			Kind:       events.KindTransferProgress,
			TransferID: transferID,
			Percent:    percent,
			Bytes:      bytesSoFar,
		})
	}
}

// MarkSendingCompleted transitions a SENDING session to COMPLETED once
// every file has been uploaded successfully.
func (m *Machine) MarkSendingCompleted(transferID string) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok || session.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	session.Status = Completed
	m.mu.Unlock()
	m.fireCompletion(transferID, true, "")
}

// MarkSendingFailed transitions a SENDING session to FAILED on transport
// failure.
func (m *Machine) MarkSendingFailed(transferID, reason string) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok || session.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	session.Status = Failed
	session.ErrorMessage = reason
	m.mu.Unlock()
	m.fireCompletion(transferID, false, reason)
}

// fireCompletion emits on_transfer_completed at most once per transfer_id.
func (m *Machine) fireCompletion(transferID string, success bool, message string) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok || session.completionSent {
		m.mu.Unlock()
		return
	}
	session.completionSent = true
	m.mu.Unlock()

	if m.dispatcher != nil {
		m.dispatcher.Publish(events.Event{
			Kind:       events.KindTransferCompleted,
			TransferID: transferID,
			Success:    success,
			Message:    message,
		})
	}
}

// cleanup removes every temp file referenced by the session and erases it
// from the active map. Idempotent; swallows I/O errors.
func (m *Machine) cleanup(transferID string) {
	m.mu.Lock()
	session, ok := m.sessions[transferID]
	if !ok {
		m.mu.Unlock()
		return
	}
	paths := session.tempPaths
	delete(m.sessions, transferID)
	delete(m.waiters, transferID)
	m.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// GetSession returns a copy of the current session state, for read-only
// inspection by Core/embedder-facing accessors.
func (m *Machine) GetSession(transferID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[transferID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}
