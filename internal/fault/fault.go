package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure. The set is closed; callers rely on the
// tag being stable across releases when mapping failures to external payloads.
type Kind string

const (
	// KindConnection covers dial failures, timeouts and broken links.
	KindConnection Kind = "connection"
	// KindProtocol covers exception responses reported by the device itself.
	KindProtocol Kind = "protocol"
	// KindDecode covers malformed or short buffers for a configured data type.
	KindDecode Kind = "decode"
	// KindConfiguration covers invalid or incomplete parameter definitions.
	KindConfiguration Kind = "configuration"
	// KindScheduleConflict is returned when an automated schedule currently
	// governs the device and a manual write was refused.
	KindScheduleConflict Kind = "schedule_conflict"
	// KindDisabledDevice is returned for I/O attempts against a disabled device.
	KindDisabledDevice Kind = "disabled_device"
)

// Error is a kind-tagged failure. Every error leaving the gateway core is one
// of these; raw transport errors never escape untagged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches against another *Error by kind, so errors.Is(err, &Error{Kind: k})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
}

// New builds a tagged error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error. A nil cause yields nil so call sites can wrap
// unconditionally.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind tag, or an empty kind for untagged errors.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
