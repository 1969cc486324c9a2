package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/deepc0py/WarpDeck/internal/identity"
	"github.com/deepc0py/WarpDeck/internal/transfer"
)

const (
	portScanStart = 54321
	portScanEnd   = 65535

	approvalWindow = 30 * time.Minute

	messageBufferSize = 4096
)

// messageBufferPool reduces allocation churn reading transfer-request
// bodies off the wire; each request needs at most one buffer, borrowed for
// the duration of the copy.
var messageBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, messageBufferSize) },
}

// PeerLookup resolves a client's TLS fingerprint to a known device_id and
// display name, backed by the discovery engine's peer cache and then the
// trust store. Unknown peers
// fall back to using the fingerprint itself as the device_id, since spec's
// TxRequest wire body carries no sender identity field.
type PeerLookup func(fingerprint string) (deviceID, name string, ok bool)

// Server is the WarpDeck Protocol Server: an mTLS HTTP listener
// authenticating callers by TLS peer fingerprint and forwarding parsed
// events to the Transfer State Machine.
type Server struct {
	log         *logrus.Entry
	identity    *identity.Store
	machine     *transfer.Machine
	lookupPeer  PeerLookup
	downloadDir string

	listener   net.Listener
	httpServer *http.Server
	port       int
}

// NewServer constructs a Server.
func NewServer(identityStore *identity.Store, machine *transfer.Machine, lookupPeer PeerLookup, downloadDir string, log *logrus.Entry) *Server {
	return &Server{
		log:         log,
		identity:    identityStore,
		machine:     machine,
		lookupPeer:  lookupPeer,
		downloadDir: downloadDir,
	}
}

// Start binds the listener (scanning [54321, 65535) when desiredPort==0)
// and configures mTLS and routing. It does not serve; call Serve (typically
// as an errgroup member) to actually accept connections.
func (s *Server) Start(desiredPort int) error {
	tlsCert := s.identity.TLSCertificate()
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	listener, port, err := bindListener(desiredPort, tlsCfg)
	if err != nil {
		return fmt.Errorf("protocol: bind listener: %w", err)
	}
	s.listener = listener
	s.port = port

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/info", s.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/transfer/request", s.handleTransferRequest).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/transfer/{id}/{index:[0-9]+}", s.handleUpload).Methods(http.MethodPost)
	router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.httpServer = &http.Server{Handler: router}

	return nil
}

// Serve blocks accepting connections on the bound listener until Stop
// shuts the server down. Returns nil on a graceful shutdown, the listener
// error otherwise. Intended to run as an errgroup member.
func (s *Server) Serve() error {
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("protocol: serve: %w", err)
	}
	return nil
}

func bindListener(desiredPort int, tlsCfg *tls.Config) (net.Listener, int, error) {
	if desiredPort != 0 {
		l, err := tls.Listen("tcp", fmt.Sprintf(":%d", desiredPort), tlsCfg)
		if err != nil {
			return nil, 0, err
		}
		return l, desiredPort, nil
	}

	for port := portScanStart; port < portScanEnd; port++ {
		l, err := tls.Listen("tcp", fmt.Sprintf(":%d", port), tlsCfg)
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in [%d, %d)", portScanStart, portScanEnd)
}

// Port returns the bound port, valid after Start returns successfully.
func (s *Server) Port() int { return s.port }

// Stop gracefully shuts down the HTTP server, aborting in-flight handlers:
// handlers still running when ctx is done (such as one awaiting approval)
// have their connections closed, which cancels their request contexts.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.httpServer.Close()
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   "warpdeck",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Port:      s.port,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := s.identity.Identity()
	writeJSON(w, http.StatusOK, DeviceInfo{
		ID:              id.ID,
		Name:            id.Name,
		Platform:        id.Platform,
		ProtocolVersion: id.ProtocolVersion,
	})
}

func (s *Server) handleTransferRequest(w http.ResponseWriter, r *http.Request) {
	fingerprint, ok := peerFingerprint(r)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeServerError, "no client certificate presented")
		return
	}

	buf := messageBufferPool.Get().([]byte)
	defer messageBufferPool.Put(buf) //nolint:staticcheck

	var body bytes.Buffer
	if _, err := io.CopyBuffer(&body, r.Body, buf); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to read request body")
		return
	}

	var req TxRequest
	if err := json.Unmarshal(body.Bytes(), &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed JSON body")
		return
	}

	files := make([]transfer.FileMetadata, len(req.Files))
	for i, f := range req.Files {
		files[i] = transfer.FileMetadata{Name: f.Name, Size: f.Size, Hash: f.Hash}
	}

	deviceID, name, known := s.lookupPeer(fingerprint)
	if !known {
		deviceID = fingerprint
		name = fingerprint
	}

	transferID := s.machine.HandleIncomingRequest(deviceID, name, fingerprint, s.downloadDir, files)

	ctx, cancel := context.WithTimeout(r.Context(), approvalWindow+time.Second)
	defer cancel()

	accepted, err := s.machine.AwaitApproval(ctx, transferID)
	if err != nil {
		writeError(w, http.StatusForbidden, ErrCodeUserDeclined, err.Error())
		return
	}
	if !accepted {
		writeError(w, http.StatusForbidden, ErrCodeUserDeclined, "transfer declined")
		return
	}

	session, ok := s.machine.GetSession(transferID)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeServerError, "session vanished after approval")
		return
	}

	writeJSON(w, http.StatusAccepted, TxResponse{
		TransferID: transferID,
		Status:     readyToReceive,
		ExpiresAt:  session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	transferID := vars["id"]
	var fileIndex int
	if _, err := fmt.Sscanf(vars["index"], "%d", &fileIndex); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid file index")
		return
	}

	if _, err := s.machine.HandleFileUpload(transferID, fileIndex, r.Body); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeUploadFailed, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such route")
}

// peerFingerprint computes the client's TLS peer fingerprint from the
// verified connection state. Per DESIGN.md's Open Question decision, this
// is the real TLS peer certificate, not the original source's placeholder.
func peerFingerprint(r *http.Request) (string, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", false
	}
	return identity.Fingerprint(r.TLS.PeerCertificates[0].Raw), true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorEnvelope{ErrorCode: code, Message: message})
}
