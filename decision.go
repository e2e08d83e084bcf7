package qtrust

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// Decision is the operator's answer for an unknown certificate authority.
type Decision int

const (
	// Reject aborts the handshake.
	Reject Decision = iota
	// AcceptOnce trusts the authority for the current handshake only.
	AcceptOnce
	// AcceptAlways trusts the authority and records it in the CA store.
	AcceptAlways
)

func (d Decision) String() string {
	switch d {
	case Reject:
		return "reject"
	case AcceptOnce:
		return "accept-once"
	case AcceptAlways:
		return "accept-always"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ParseDecision accepts the names produced by String and the short
// answers r, o and a.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject", "r":
		return Reject, nil
	case "accept-once", "once", "o":
		return AcceptOnce, nil
	case "accept-always", "always", "a":
		return AcceptAlways, nil
	}
	return Reject, fmt.Errorf("qtrust: unknown decision %q", s)
}

// TrustDecider asks an operator whether to trust a self-signed CA that is
// not in the store. Decide may block until the operator answers; it must
// return when ctx is done. Any error is treated as Reject.
type TrustDecider interface {
	Decide(ctx context.Context, candidate *x509.Certificate) (Decision, error)
}

// DeciderFunc adapts a function to TrustDecider.
type DeciderFunc func(ctx context.Context, candidate *x509.Certificate) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, candidate *x509.Certificate) (Decision, error) {
	return f(ctx, candidate)
}

// ErrPromptCancelled is returned by a PasswordPrompt when the operator
// dismisses the prompt.
var ErrPromptCancelled = errors.New("qtrust: password prompt cancelled")

// PasswordPrompt asks for a store password. message names the store and,
// after a failed attempt, says the previous password was wrong.
// Returning any error, including ErrPromptCancelled, ends recovery.
type PasswordPrompt interface {
	Password(ctx context.Context, message string) ([]byte, error)
}

// PromptFunc adapts a function to PasswordPrompt.
type PromptFunc func(ctx context.Context, message string) ([]byte, error)

func (f PromptFunc) Password(ctx context.Context, message string) ([]byte, error) {
	return f(ctx, message)
}
