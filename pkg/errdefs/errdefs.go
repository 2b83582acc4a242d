// Package errdefs defines the error kinds shared by every mydocker component
// and maps them onto process exit codes.
//
// Components return sentinel errors from this package, wrapped with context
// via fmt.Errorf("...: %w", err). The CLI inspects the chain with
// [ExitCode] to decide what the process exits with.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for reporting and exit-code purposes.
type Kind int

const (
	KindUnknown Kind = iota
	KindUserInput
	KindNetwork
	KindAuth
	KindIntegrity
	KindKernel
)

func (k Kind) String() string {
	switch k {
	case KindUserInput:
		return "user input"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindIntegrity:
		return "integrity"
	case KindKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// Exit codes reported by the CLI.
const (
	ExitOK          = 0
	ExitUser        = 1
	ExitRegistry    = 2
	ExitKernel      = 3
	ExitInterrupted = 130
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Kind() Kind    { return e.kind }

func newError(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

var (
	ErrInvalidReference = newError(KindUserInput, "invalid image reference")
	ErrInvalidName      = newError(KindUserInput, "invalid container name")
	ErrNameInUse        = newError(KindUserInput, "container name already in use")
	ErrNoSuchContainer  = newError(KindUserInput, "no such container")
	ErrNotRunning       = newError(KindUserInput, "container is not running")
	ErrContainerRunning = newError(KindUserInput, "container is running")
	ErrNoCommand        = newError(KindUserInput, "no command specified and image has no default command")
	ErrLayerInUse       = newError(KindUserInput, "layer is in use by a container")
	ErrNoSuchLayer      = newError(KindUserInput, "no such layer")
	ErrInvalidDigest    = newError(KindUserInput, "invalid digest")
	ErrCorrupted        = newError(KindUserInput, "corrupted container state")

	ErrRegistryUnreachable      = newError(KindNetwork, "registry unreachable")
	ErrManifestUnknown          = newError(KindNetwork, "manifest unknown")
	ErrUnsupportedManifest      = newError(KindNetwork, "unsupported manifest")
	ErrNoCompatibleManifest     = newError(KindNetwork, "no manifest matches the requested platform")
	ErrChallengeMalformed       = newError(KindAuth, "malformed WWW-Authenticate challenge")
	ErrTokenEndpointUnreachable = newError(KindAuth, "token endpoint unreachable")
	ErrDigestMismatch           = newError(KindIntegrity, "digest mismatch")
)

// StatusError reports an unexpected HTTP status from a registry.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

func (e *StatusError) Kind() Kind { return KindNetwork }

// TokenRejectedError is returned when the token endpoint refuses to issue a
// bearer token.
type TokenRejectedError struct {
	Status int
}

func (e *TokenRejectedError) Error() string {
	return fmt.Sprintf("token rejected (http status %d)", e.Status)
}

func (e *TokenRejectedError) Kind() Kind { return KindAuth }

// KernelError wraps a failed system call or mount operation.
type KernelError struct {
	Op  string
	Err error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }
func (e *KernelError) Kind() Kind    { return KindKernel }

// Kernel wraps err as a [KernelError] for op. A nil err stays nil.
func Kernel(op string, err error) error {
	if err == nil {
		return nil
	}
	return &KernelError{Op: op, Err: err}
}

// ExitError carries the exit code of a container process. It is not a
// failure of mydocker itself; the CLI exits with Code without printing.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("container exited with code %d", e.Code)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// ExitCode maps err onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}

	switch KindOf(err) {
	case KindNetwork, KindAuth, KindIntegrity:
		return ExitRegistry
	case KindKernel:
		return ExitKernel
	default:
		return ExitUser
	}
}
