package protocol

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTxRequestJSONFieldNames(t *testing.T) {
	req := TxRequest{Files: []TxFile{{Name: "a.txt", Size: 10, Hash: "abc"}}}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["files"]; !ok {
		t.Fatal("expected top-level 'files' key")
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(ErrorEnvelope{ErrorCode: ErrCodeInvalidRequest, Message: "bad"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["error_code"] != ErrCodeInvalidRequest {
		t.Fatalf("unexpected error_code: %s", raw["error_code"])
	}
	if raw["message"] != "bad" {
		t.Fatalf("unexpected message: %s", raw["message"])
	}
}

func TestPeerFingerprintMissingTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	if _, ok := peerFingerprint(req); ok {
		t.Fatal("expected no fingerprint without a TLS connection state")
	}
}

func TestHandleNotFoundWritesErrorEnvelope(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)

	s.handleNotFound(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if env.ErrorCode != ErrCodeNotFound {
		t.Fatalf("unexpected error code: %s", env.ErrorCode)
	}
}
