package qtrust

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/kardianos/qtrust/qstate"
)

// VerificationKind classifies a server chain before any operator input.
type VerificationKind int

const (
	// Trusted chains verify against the current anchors.
	Trusted VerificationKind = iota
	// UnknownIssuer chains end in a self-signed CA that is not an anchor;
	// the operator may choose to trust it.
	UnknownIssuer
	// StructurallyInvalid chains fail for a reason no operator decision
	// should override.
	StructurallyInvalid
)

func (k VerificationKind) String() string {
	switch k {
	case Trusted:
		return "trusted"
	case UnknownIssuer:
		return "unknown-issuer"
	case StructurallyInvalid:
		return "structurally-invalid"
	default:
		return "unknown"
	}
}

// Verification is the result of Classify.
type Verification struct {
	Kind VerificationKind

	// Candidate is the self-signed root offered to the operator.
	// Set only for UnknownIssuer.
	Candidate *x509.Certificate

	// Reason is one of ErrNoTrustAnchor, ErrUntrustedKnownCA or
	// ErrInvalidChain (StrictUnknownIssuer only) for StructurallyInvalid
	// chains.
	Reason error

	// Cause is the underlying x509 verification error.
	Cause error

	// Problem is set for UnknownIssuer when the chain still fails with
	// Candidate trusted, such as an expired certificate or a host name
	// mismatch. It is passed to the decider through DecisionProblem.
	Problem error
}

type problemKey struct{}

// DecisionProblem returns the failure the chain has apart from its
// unknown issuer, or nil. It is set on the context given to
// TrustDecider.Decide.
func DecisionProblem(ctx context.Context) error {
	err, _ := ctx.Value(problemKey{}).(error)
	return err
}

// AttemptState is the state of a single verification attempt.
type AttemptState int

const (
	StateVerifying AttemptState = iota
	StateCallbackPending
	StateTrusted
	StateRejected
)

func (s AttemptState) String() string {
	switch s {
	case StateVerifying:
		return "verifying"
	case StateCallbackPending:
		return "callback-pending"
	case StateTrusted:
		return "trusted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var attemptTransitions = []qstate.Transition[AttemptState]{
	{From: StateVerifying, To: StateTrusted, Name: "delegate-ok"},
	{From: StateVerifying, To: StateRejected, Name: "rejected"},
	{From: StateVerifying, To: StateCallbackPending, Name: "unknown-issuer"},
	{From: StateCallbackPending, To: StateTrusted, Name: "accepted"},
	{From: StateCallbackPending, To: StateRejected, Name: "declined"},
}

// Outcome is the final result of Verify.
type Outcome struct {
	Attempt string // Correlation id, also logged.
	State   AttemptState

	// Prompted reports whether the decider was consulted; Decision is
	// meaningful only then.
	Prompted bool
	Decision Decision

	// Err is a *TrustError when State is StateRejected.
	Err error

	// Warning is a *PersistError when an AcceptAlways decision could not
	// be saved.
	Warning error

	// Problem is the failure shown to the decider besides the unknown
	// issuer. See Verification.Problem.
	Problem error

	// Trace lists the state transitions taken.
	Trace []string
}

// anchorSet is an immutable snapshot of the trusted roots.
type anchorSet struct {
	pool   *x509.CertPool
	certs  []*x509.Certificate
	system bool
}

func newAnchorSet(certs []*x509.Certificate) *anchorSet {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return &anchorSet{pool: pool, certs: certs}
}

func systemAnchorSet() (*anchorSet, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("qtrust: load system roots: %w", err)
	}
	return &anchorSet{pool: pool, system: true}, nil
}

func (a *anchorSet) with(cert *x509.Certificate) *anchorSet {
	pool := a.pool.Clone()
	pool.AddCert(cert)
	certs := make([]*x509.Certificate, 0, len(a.certs)+1)
	certs = append(certs, a.certs...)
	certs = append(certs, cert)
	return &anchorSet{pool: pool, certs: certs, system: a.system}
}

// contains reports whether cert is one of the anchors, either byte for
// byte or as a root with the same name and key.
func (a *anchorSet) contains(cert *x509.Certificate) bool {
	for _, c := range a.certs {
		if bytes.Equal(c.Raw, cert.Raw) {
			return true
		}
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       a.pool,
		CurrentTime: cert.NotBefore,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}

// TrustManager verifies server chains against the CA store and, for an
// unknown self-signed issuer, defers to a TrustDecider.
// It is safe for concurrent use.
type TrustManager struct {
	anchors atomic.Pointer[anchorSet]

	skipImport   bool
	skipHostname bool
	strict       bool
	decider      TrustDecider
	timeout      time.Duration
	persist      *persister
	now          func() time.Time // verification clock

	log       logr.Logger
	metrics   *Metrics
	onWarning func(error)
}

// Anchors returns the currently trusted store certificates. It is empty
// when the system roots are in use.
func (tm *TrustManager) Anchors() []*x509.Certificate {
	return append([]*x509.Certificate(nil), tm.anchors.Load().certs...)
}

func (tm *TrustManager) verifyOptions(chain []*x509.Certificate, roots *x509.CertPool, serverName string) x509.VerifyOptions {
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   tm.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if !tm.skipHostname {
		opts.DNSName = serverName
	}
	return opts
}

// delegate is the plain platform check against the current anchors.
func (tm *TrustManager) delegate(chain []*x509.Certificate, serverName string) error {
	_, err := chain[0].Verify(tm.verifyOptions(chain, tm.anchors.Load().pool, serverName))
	return err
}

// classifyFailure inspects a chain the delegate rejected with cause.
func (tm *TrustManager) classifyFailure(chain []*x509.Certificate, serverName string, cause error) Verification {
	candidate := chain[len(chain)-1]
	if !isSelfSigned(candidate) {
		return Verification{Kind: StructurallyInvalid, Reason: ErrNoTrustAnchor, Cause: cause}
	}
	if tm.anchors.Load().contains(candidate) {
		return Verification{Kind: StructurallyInvalid, Reason: ErrUntrustedKnownCA, Cause: cause}
	}

	// Check the chain with only the candidate trusted. A failure is not
	// about the issuer; it goes to the operator unless strict.
	only := x509.NewCertPool()
	only.AddCert(candidate)
	_, problem := chain[0].Verify(tm.verifyOptions(chain, only, serverName))
	if problem != nil && tm.strict {
		return Verification{Kind: StructurallyInvalid, Reason: ErrInvalidChain, Cause: problem}
	}
	return Verification{Kind: UnknownIssuer, Candidate: candidate, Cause: cause, Problem: problem}
}

// Classify reports how chain, ordered leaf first, relates to the current
// anchors without consulting the operator.
func (tm *TrustManager) Classify(chain []*x509.Certificate, serverName string) Verification {
	if len(chain) == 0 {
		return Verification{Kind: StructurallyInvalid, Reason: ErrNoTrustAnchor}
	}
	err := tm.delegate(chain, serverName)
	if err == nil {
		return Verification{Kind: Trusted}
	}
	return tm.classifyFailure(chain, serverName, err)
}

// Verify runs one verification attempt for chain. When the issuer is an
// unknown self-signed CA and import is enabled it blocks on the decider.
// A rejected attempt carries a *TrustError in Outcome.Err.
func (tm *TrustManager) Verify(ctx context.Context, chain []*x509.Certificate, serverName string) Outcome {
	out := Outcome{Attempt: uuid.NewString()}
	log := tm.log.WithValues("attempt", out.Attempt, "server", serverName)
	sm := qstate.New(StateVerifying, attemptTransitions, func(from, to AttemptState, name string) {
		log.V(1).Info("verification state", "from", from, "to", to, "via", name)
	})
	finish := func() Outcome {
		out.State = sm.Current()
		out.Trace = sm.Trace()
		return out
	}
	reject := func(reason, cause error, subject string) Outcome {
		sm.MustTransitionTo(StateRejected)
		out.Err = &TrustError{Reason: reason, Subject: subject, Cause: cause}
		log.Info("server certificate rejected", "reason", reason.Error(), "subject", subject, "error", cause)
		tm.metrics.verification("rejected")
		return finish()
	}

	if len(chain) == 0 {
		return reject(ErrNoTrustAnchor, nil, "")
	}
	leafSubject := chain[0].Subject.String()

	err := tm.delegate(chain, serverName)
	if err == nil {
		sm.MustTransitionTo(StateTrusted)
		tm.metrics.verification("trusted")
		return finish()
	}
	if tm.skipImport {
		return reject(ErrImportDisabled, err, leafSubject)
	}

	v := tm.classifyFailure(chain, serverName, err)
	if v.Kind == StructurallyInvalid {
		return reject(v.Reason, v.Cause, leafSubject)
	}

	sm.MustTransitionTo(StateCallbackPending)
	candidate := v.Candidate
	log = log.WithValues("subject", candidate.Subject.String(), "fingerprint", Describe(candidate).Fingerprint)
	if v.Problem != nil {
		out.Problem = v.Problem
		log = log.WithValues("problem", v.Problem.Error())
	}
	log.V(1).Info("asking for trust decision")

	out.Prompted = true
	d, err := tm.decide(ctx, candidate, v.Problem)
	out.Decision = d
	tm.metrics.decision(d)
	if err != nil {
		log.Info("trust decision failed, rejecting", "error", err)
	}

	switch d {
	case AcceptOnce:
		sm.MustTransitionTo(StateTrusted)
		tm.metrics.verification("accepted-once")
		return finish()
	case AcceptAlways:
		sm.MustTransitionTo(StateTrusted)
		tm.metrics.verification("accepted-always")
		if werr := tm.accept(ctx, log, candidate); werr != nil {
			out.Warning = werr
		}
		return finish()
	default:
		return reject(ErrUserRejected, err, candidate.Subject.String())
	}
}

// decide consults the decider. Errors, cancellation and the decision
// timeout all resolve to Reject.
func (tm *TrustManager) decide(ctx context.Context, candidate *x509.Certificate, problem error) (Decision, error) {
	if tm.decider == nil {
		return Reject, errors.New("qtrust: no trust decider configured")
	}
	if problem != nil {
		ctx = context.WithValue(ctx, problemKey{}, problem)
	}
	if tm.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tm.timeout)
		defer cancel()
	}

	type answer struct {
		d   Decision
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		d, err := tm.decider.Decide(ctx, candidate)
		ch <- answer{d, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return Reject, a.err
		}
		switch a.d {
		case Reject, AcceptOnce, AcceptAlways:
			return a.d, nil
		}
		return Reject, fmt.Errorf("qtrust: invalid decision %v", a.d)
	case <-ctx.Done():
		return Reject, ctx.Err()
	}
}

// accept persists candidate and adds it to the in-memory anchors.
// A failure is returned as a *PersistError and the anchors are left
// unchanged, so the next connection asks again.
func (tm *TrustManager) accept(ctx context.Context, log logr.Logger, candidate *x509.Certificate) error {
	if tm.persist == nil {
		werr := &PersistError{Certificate: candidate, Err: ErrNoStore}
		tm.warn(log, werr)
		return werr
	}

	alias, err := tm.persist.save(ctx, candidate)
	tm.metrics.storeSave(err)
	if err != nil {
		werr := &PersistError{Path: tm.persist.path, Certificate: candidate, Err: err}
		tm.warn(log, werr)
		return werr
	}
	log.Info("certificate authority added to store", "path", tm.persist.path, "alias", alias)

	for {
		old := tm.anchors.Load()
		if old.contains(candidate) {
			return nil
		}
		if tm.anchors.CompareAndSwap(old, old.with(candidate)) {
			return nil
		}
	}
}

func (tm *TrustManager) warn(log logr.Logger, err error) {
	log.Error(err, "trust decision not persisted")
	if tm.onWarning != nil {
		tm.onWarning(err)
	}
}
