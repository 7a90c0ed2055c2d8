package torrent

import "github.com/pkg/errors"

// ErrorKind is one of the six semantic error classes from spec.md §7.
// These are not Go error types to wrap/unwrap through — they classify
// *why* a peer task ended, for on_peer_died's branching and for the
// errors counter.
type ErrorKind int

const (
	// KindProtocolViolation: remote sent something the protocol forbids.
	KindProtocolViolation ErrorKind = iota
	// KindTransport: connection closed or timed out.
	KindTransport
	// KindCleanFinish: we don't need this peer (or mutual completion).
	KindCleanFinish
	// KindLocalStorage: a write failed; fatal per spec.md §4.6 rationale.
	KindLocalStorage
	// KindChecksumMismatch: an assembled piece failed SHA-1 verification.
	KindChecksumMismatch
	// KindInvariantViolation: an internal bug (peer missing mid-mutation,
	// unexpected state in a transition).
	KindInvariantViolation
)

// PeerError carries a classified cause for a peer task's termination.
type PeerError struct {
	Kind ErrorKind
	Err  error
}

func (e *PeerError) Error() string {
	if e.Err == nil {
		return "peer error"
	}
	return e.Err.Error()
}

func (e *PeerError) Unwrap() error { return e.Err }

var (
	errMissingDuringTransition = errors.New("peer vanished from registry mid-transition")
	errInfoHashMismatch        = errors.New("handshake info hash mismatch")
	errCleanFinish              = errors.New("not interested in peer and torrent finished: clean disconnect")
	errInvalidChunkOutcome      = errors.New("chunk tracker reported an invalid outcome")
)

func protocolViolation(format string, args ...interface{}) error {
	return &PeerError{Kind: KindProtocolViolation, Err: errors.Errorf(format, args...)}
}

func transportError(err error) error {
	return &PeerError{Kind: KindTransport, Err: err}
}

// IsKind reports whether err (or something it wraps) is a *PeerError of
// kind k.
func IsKind(err error, k ErrorKind) bool {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe.Kind == k
	}
	return false
}
