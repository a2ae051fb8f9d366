package host

import (
	"errors"
	"fmt"
)

// Kind categorizes host client failures so callers can pick a policy
// without inspecting error strings.
type Kind int

const (
	// KindTransient covers network timeouts, connection resets, and daemon
	// restarts. Collectors log at warn and retry next cycle.
	KindTransient Kind = iota
	// KindInput covers unknown actions and invalid container IDs. Surfaced
	// as a 4xx category to API callers.
	KindInput
	// KindUnreachable marks hosts that cannot be contacted at all.
	KindUnreachable
	// KindUnavailable marks operations that cannot be routed to a remote
	// Swarm node (stats, env on worker containers). Never blocks.
	KindUnavailable
	// KindClosed marks requests that arrived while the client was shutting
	// down. Mapped to a 503 category, never logged as an error.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInput:
		return "input"
	case KindUnreachable:
		return "unreachable"
	case KindUnavailable:
		return "unavailable"
	case KindClosed:
		return "closed"
	}
	return "unknown"
}

// Error is a categorized host client failure.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "api.ContainerStats"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef is E with a formatted message and no cause.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the category from err. Unrecognized errors are treated
// as transient so a stray failure never escalates past a warn-and-retry.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindTransient
}

// IsUnavailable reports whether err is the remote-unreachable category.
func IsUnavailable(err error) bool {
	return err != nil && KindOf(err) == KindUnavailable
}
