// Package protocol implements the WarpDeck HTTP-over-TLS surface: the wire
// types, the mTLS Protocol Server, and the pinned mTLS Protocol Client.
package protocol

// DeviceInfo is returned by GET /api/v1/info.
type DeviceInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Platform        string `json:"platform"`
	ProtocolVersion string `json:"protocol_version"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Port      int    `json:"port"`
}

// TxFile is one file descriptor inside a TxRequest/TxResponse payload.
type TxFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash,omitempty"`
}

// TxRequest is the body of POST /api/v1/transfer/request.
type TxRequest struct {
	Files []TxFile `json:"files"`
}

// TxResponse is the 202 body of POST /api/v1/transfer/request.
type TxResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
}

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Error codes, SCREAMING_SNAKE per spec's error envelope convention.
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUserDeclined        = "USER_DECLINED"
	ErrCodeServerError         = "SERVER_ERROR"
	ErrCodeUploadFailed        = "UPLOAD_FAILED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeFingerprintMismatch = "FINGERPRINT_MISMATCH"
)

const readyToReceive = "ready_to_receive"
