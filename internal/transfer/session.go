package transfer

import "time"

// Direction of a TransferSession.
type Direction string

const (
	Sending   Direction = "SENDING"
	Receiving Direction = "RECEIVING"
)

// Status of a TransferSession.
type Status string

const (
	PendingApproval Status = "PENDING_APPROVAL"
	Approved        Status = "APPROVED"
	InProgress      Status = "IN_PROGRESS"
	Completed       Status = "COMPLETED"
	Failed          Status = "FAILED"
	Cancelled       Status = "CANCELLED"
)

// IsTerminal reports whether s is one of the sticky terminal statuses.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// FileMetadata describes one file within a session; slice order defines
// the file_index used in the upload URL.
type FileMetadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash,omitempty"`
}

// Session is one active or terminal TransferSession. Exclusively owned and
// mutated by the state Machine under its internal mutex.
type Session struct {
	TransferID        string
	PeerDeviceID      string
	PeerName          string
	Direction         Direction
	Status            Status
	Files             []FileMetadata
	TotalBytes        int64
	TransferredBytes  int64
	DestinationFolder string
	ErrorMessage      string

	ExpiresAt time.Time

	// PeerHost/PeerPort are only populated for SENDING sessions, where the
	// client needs them to drive the HTTP calls. PeerFingerprint is set for
	// both directions: the pinned server fingerprint when SENDING, the TLS
	// client fingerprint when RECEIVING.
	PeerHost        string
	PeerPort        int
	PeerFingerprint string

	// tempPaths maps file_index -> absolute temp-file path, populated when
	// a RECEIVING session is approved.
	tempPaths map[int]string

	// fileTransferred tracks per-file bytes written so far for a
	// RECEIVING session, to know when to finalize an individual file.
	fileTransferred map[int]int64

	completionSent bool
}

func newFileIndexMaps(n int) (map[int]string, map[int]int64) {
	return make(map[int]string, n), make(map[int]int64, n)
}
