package syncer

import "fmt"

// SyncError codes. The code partitions failures by the operation that
// produced them; Message carries the backend- or transport-supplied detail.
const (
	// CodeCredentials marks a failed credential fetch.
	CodeCredentials = "credentials_failed"

	// CodeUpload marks a failed upload invocation.
	CodeUpload = "upload_failed"

	// CodeTransport marks a failed session open or a dropped session.
	CodeTransport = "transport"

	// CodeTokenExpired marks credentials that arrived already expired.
	CodeTokenExpired = "token_expired"

	// CodeDelayed marks an upload drain aborted because the connector did
	// not complete the transactions it uploaded.
	CodeDelayed = "upload_delayed"
)

// SyncError is a credential, transport, or upload failure. The engine records
// it in the status store and retries; it is never returned from application
// calls.
type SyncError struct {
	Code    string
	Message string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("syncer: %s: %s", e.Code, e.Message)
}

func syncErrorf(code, format string, args ...any) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ProtocolError reports malformed or unsupported data received on a stream.
// It halts the offending stream, not the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "syncer: protocol: " + e.Reason
}
