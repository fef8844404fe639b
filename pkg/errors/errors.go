package sentinal_errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyExists      = errors.New("already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Protocol errors
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInviteExpired        = errors.New("invite expired")
	ErrNotInviteCreator     = errors.New("invite was not created by this identity")
)

// Crypto errors
var (
	ErrInvalidSignatureLength = errors.New("invalid signature length")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrDecryptionFailed       = errors.New("decryption failed")
	ErrUnsupportedVersion     = errors.New("unsupported token version")
	ErrTokenTooShort          = errors.New("token too short")
	ErrInputTooLarge          = errors.New("input too large")
	ErrDecompressionLimit     = errors.New("decompression limit exceeded")
	ErrMalformedInvite        = errors.New("malformed invite")
	ErrInvalidKey             = errors.New("invalid private key")
)

// Timeout errors
var (
	ErrStreamEnded = errors.New("stream ended without a match")
	ErrWaitTimeout = errors.New("wait exceeded")
)

// Storage errors
var (
	ErrIdentityMissing = errors.New("identity missing")
	ErrConstraint      = errors.New("constraint violation")
)

// Kind is the coarse error category surfaced to callers.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindProtocol
	KindCrypto
	KindTimeout
	KindState
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindTimeout:
		return "timeout"
	case KindState:
		return "state"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and the failing operation to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Kind sentinels. errors.Is(err, ErrCrypto) matches any crypto-kind error.
var (
	ErrProtocol = &Error{Kind: KindProtocol}
	ErrCrypto   = &Error{Kind: KindCrypto}
	ErrTimeout  = &Error{Kind: KindTimeout}
	ErrState    = &Error{Kind: KindState}
	ErrStorage  = &Error{Kind: KindStorage}
)

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare kind sentinel (no Op, no Err) by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// E wraps err with kind and op. A nil err yields nil. An err that already
// carries a kind keeps it; only the op is added.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind != KindUnknown {
		if op == "" || op == existing.Op {
			return err
		}
		return &Error{Kind: existing.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the outermost kind found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
