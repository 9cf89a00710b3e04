package streamable

import "errors"

var (
	// ErrDuplicateRequestID indicates a second registration for a live
	// (session, request ID) pair. Registrations never silently overwrite an
	// in-flight request while session isolation is enabled.
	ErrDuplicateRequestID = errors.New("duplicate request id")

	// ErrUnknownSession indicates the session does not exist or has closed.
	// Surfaced over HTTP as 404.
	ErrUnknownSession = errors.New("unknown session")

	// ErrStreamClosedBeforeResolution indicates the physical connection
	// draining a stream went away while requests were still pending. The
	// requests stay registered; the client is expected to reconnect.
	ErrStreamClosedBeforeResolution = errors.New("stream closed before resolution")

	// ErrStreamNotPrimed indicates an attempt to interrupt a stream that has
	// not yet emitted its priming event. Closing such a stream would leave
	// the client without a resumption handle.
	ErrStreamNotPrimed = errors.New("stream has not emitted a priming event")

	// ErrStreamBusy indicates the addressed stream already has a live
	// claimant. Surfaced over HTTP as 400.
	ErrStreamBusy = errors.New("stream already claimed by a live connection")
)
