package detour

import "fmt"

// Kind classifies the failure modes a caller may need to distinguish.
type Kind uint8

const (
	// KindInvalidAddress covers a nil target/detour, a target that
	// resolves to the same address as its detour after thunk-skipping,
	// or a target whose prologue cannot be decoded into at least
	// neededBytes of whole instructions.
	KindInvalidAddress Kind = iota
	// KindNotEnoughMemory means no region could be placed within reach
	// of the target, whether because address space was exhausted or
	// because the OS's dynamic-code policy refused the allocation, or that
	// the detour lies beyond a JMP rel32's reach from the target.
	KindNotEnoughMemory
	// KindErrorCode wraps a raw OS status from a failed VirtualXxx call.
	KindErrorCode
	// KindInvalidSignature, KindEncodeInstruction and KindLockPoison are
	// reserved for embedder-side consistency checks; this package never
	// returns them itself.
	KindInvalidSignature
	KindEncodeInstruction
	KindLockPoison
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAddress:
		return "invalid address"
	case KindNotEnoughMemory:
		return "not enough memory"
	case KindErrorCode:
		return "error code"
	case KindInvalidSignature:
		return "invalid signature"
	case KindEncodeInstruction:
		return "encode instruction"
	case KindLockPoison:
		return "lock poison"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every fallible operation in this
// package. It implements errors.Is against the Kind-keyed sentinels
// below, and errors.As for the wrapped OS cause of a KindErrorCode.
type Error struct {
	Kind Kind
	// A, B carry the pair for KindInvalidSignature.
	A, B uintptr
	// Code carries the raw OS status for KindErrorCode.
	Code uintptr
	// Cause is the wrapped underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidSignature:
		return fmt.Sprintf("invalid signature %#x != %#x", e.A, e.B)
	case KindErrorCode:
		return fmt.Sprintf("error code: %d", e.Code)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ErrInvalidAddress) and friends to match
// regardless of the dynamic fields carried alongside Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors, usable with errors.Is: one per Kind except
// KindErrorCode, whose errors are built by errorCode with their OS status.
var (
	ErrInvalidAddress    = &Error{Kind: KindInvalidAddress}
	ErrNotEnoughMemory   = &Error{Kind: KindNotEnoughMemory}
	ErrInvalidSignature  = &Error{Kind: KindInvalidSignature}
	ErrEncodeInstruction = &Error{Kind: KindEncodeInstruction}
	ErrLockPoison        = &Error{Kind: KindLockPoison}
)

// errorCode wraps a raw OS status code as an *Error of KindErrorCode.
func errorCode(code uintptr, cause error) *Error {
	return &Error{Kind: KindErrorCode, Code: code, Cause: cause}
}

func invalidSignature(a, b uintptr) *Error {
	return &Error{Kind: KindInvalidSignature, A: a, B: b}
}
