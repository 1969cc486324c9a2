package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deepc0py/WarpDeck/internal/events"
)

func testMachine() (*Machine, *events.Dispatcher) {
	d := events.NewDispatcher(events.Callbacks{}, logrus.NewEntry(logrus.New()))
	go d.Run()
	m := New(d, func(string, string) bool { return false }, logrus.NewEntry(logrus.New()))
	return m, d
}

func TestReceivingSessionHappyPath(t *testing.T) {
	m, d := testMachine()
	defer d.Stop()

	dest := t.TempDir()
	files := []FileMetadata{{Name: "a.txt", Size: 5}}

	transferID := m.HandleIncomingRequest("peer-1", "Peer One", "fp-1", dest, files)

	done := make(chan struct{})
	var accepted bool
	go func() {
		var err error
		accepted, err = m.AwaitApproval(context.Background(), transferID)
		if err != nil {
			t.Errorf("await approval: %v", err)
		}
		close(done)
	}()

	if err := m.RespondToTransfer(transferID, true); err != nil {
		t.Fatalf("respond to transfer: %v", err)
	}
	<-done
	if !accepted {
		t.Fatal("expected accepted=true")
	}

	session, ok := m.GetSession(transferID)
	if !ok || session.Status != Approved {
		t.Fatalf("expected APPROVED, got %v", session.Status)
	}

	if _, err := m.HandleFileUpload(transferID, 0, bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("upload: %v", err)
	}

	finalPath := filepath.Join(dest, "a.txt")
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected contents: %q", data)
	}

	if _, ok := m.GetSession(transferID); ok {
		t.Fatal("completed session should be cleaned up from the active map")
	}
}

func TestRespondToTransferIsIdempotentAfterResolution(t *testing.T) {
	m, d := testMachine()
	defer d.Stop()

	dest := t.TempDir()
	files := []FileMetadata{{Name: "a.txt", Size: 1}}
	transferID := m.HandleIncomingRequest("peer-1", "Peer One", "fp-1", dest, files)

	go m.AwaitApproval(context.Background(), transferID) //nolint:errcheck

	if err := m.RespondToTransfer(transferID, false); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	// Cleanup erases the session from the active map once it resolves, so
	// a second call reports unknown-session -- but critically fires no
	// second completion event, matching the idempotence law.
	if err := m.RespondToTransfer(transferID, false); err == nil {
		t.Fatal("expected unknown-session error on second respond after cleanup")
	}
}

func TestSecondCancelAfterCleanupReportsUnknownSession(t *testing.T) {
	m, d := testMachine()
	defer d.Stop()

	dest := t.TempDir()
	transferID := m.HandleIncomingRequest("peer-1", "Peer One", "fp-1", dest, []FileMetadata{{Name: "a.txt", Size: 1}})
	if err := m.CancelTransfer(transferID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	// cleanup() has already removed the session from the active map, so a
	// second cancel reports unknown-session rather than panicking.
	if err := m.CancelTransfer(transferID); err == nil {
		t.Fatal("expected an unknown-session error after cleanup")
	}
}

func TestApprovalExpires(t *testing.T) {
	m, d := testMachine()
	defer d.Stop()

	dest := t.TempDir()
	transferID := m.HandleIncomingRequest("peer-1", "Peer One", "fp-1", dest, []FileMetadata{{Name: "a.txt", Size: 1}})

	m.mu.Lock()
	m.sessions[transferID].ExpiresAt = time.Now().Add(10 * time.Millisecond)
	m.mu.Unlock()

	accepted, err := m.AwaitApproval(context.Background(), transferID)
	if accepted {
		t.Fatal("expired approval should not be accepted")
	}
	if err == nil {
		t.Fatal("expected an expiry error")
	}
}

func TestInitiateTransferSkipsMissingFilesAndReturnsEmptyWhenNoneExist(t *testing.T) {
	m, d := testMachine()
	defer d.Stop()

	id, err := m.InitiateTransfer("peer-1", "Peer One", "host", 1234, "fp-1", []string{"/nonexistent/path"})
	if err != nil {
		t.Fatalf("initiate transfer: %v", err)
	}
	if id != "" {
		t.Fatal("expected empty transfer id when no files exist")
	}
}

func TestInitiateTransferWithRealFile(t *testing.T) {
	m, d := testMachine()
	defer d.Stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 1024), 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	id, err := m.InitiateTransfer("peer-1", "Peer One", "host", 1234, "fp-1", []string{path})
	if err != nil {
		t.Fatalf("initiate transfer: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty transfer id")
	}

	session, ok := m.GetSession(id)
	if !ok {
		t.Fatal("session should exist")
	}
	if session.Status != PendingApproval || session.Direction != Sending {
		t.Fatalf("unexpected session state: %+v", session)
	}
	if session.Files[0].Size != 1024 {
		t.Fatalf("unexpected file size: %d", session.Files[0].Size)
	}
	if session.Files[0].Hash == "" {
		t.Fatal("expected a computed hash")
	}
}
