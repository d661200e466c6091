package errorsx

// Code is a short machine-readable session error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// CodeSDKNotAvailable reports that the primary conduit cannot run in
	// this build or environment. Soft: surfaced through OnError before a
	// session ever activates, never returned from Start.
	CodeSDKNotAvailable Code = "SDK_NOT_AVAILABLE"

	// CodeTransportError reports a fault on an active conduit. Hard and
	// terminal for the session.
	CodeTransportError Code = "TRANSPORT_ERROR"

	// CodeStateError reports misuse of the session API, such as sending
	// before Start or starting twice. Returned synchronously.
	CodeStateError Code = "STATE_ERROR"

	// CodeEncodingError reports a payload the wire codec rejects.
	// Returned synchronously, before anything is enqueued.
	CodeEncodingError Code = "ENCODING_ERROR"
)

// Soft reports whether the code describes a non-exceptional outcome the
// caller is expected to recover from by falling back.
func Soft(c Code) bool {
	return c == CodeSDKNotAvailable
}
