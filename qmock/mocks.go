// Package qmock provides test doubles and certificate fixtures for qtrust.
package qmock

import (
	"context"
	"crypto/x509"
	"sync"

	"github.com/kardianos/qtrust"
)

// Decider is a scripted TrustDecider. It returns its decisions in order
// and repeats the last one once the script runs out.
type Decider struct {
	mu        sync.Mutex
	decisions []qtrust.Decision
	seen      []*x509.Certificate
	problems  []error
}

// NewDecider returns a Decider answering with decisions. With no
// decisions it always rejects.
func NewDecider(decisions ...qtrust.Decision) *Decider {
	return &Decider{decisions: decisions}
}

func (d *Decider) Decide(ctx context.Context, candidate *x509.Certificate) (qtrust.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.seen)
	d.seen = append(d.seen, candidate)
	d.problems = append(d.problems, qtrust.DecisionProblem(ctx))
	switch {
	case len(d.decisions) == 0:
		return qtrust.Reject, nil
	case n < len(d.decisions):
		return d.decisions[n], nil
	default:
		return d.decisions[len(d.decisions)-1], nil
	}
}

// Calls returns how many times Decide ran.
func (d *Decider) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Seen returns the candidates passed to Decide, in order.
func (d *Decider) Seen() []*x509.Certificate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*x509.Certificate(nil), d.seen...)
}

// Problems returns qtrust.DecisionProblem for each Decide call, in order.
func (d *Decider) Problems() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.problems...)
}

// BlockingDecider never answers on its own. It stands in for an operator
// who walks away from the prompt. When ctx ends it answers AcceptAlways
// along with the context error, which callers must still treat as Reject.
type BlockingDecider struct {
	Started chan *x509.Certificate

	once     sync.Once
	released chan struct{}
	decision qtrust.Decision
}

func NewBlockingDecider() *BlockingDecider {
	return &BlockingDecider{
		Started:  make(chan *x509.Certificate, 16),
		released: make(chan struct{}),
	}
}

func (d *BlockingDecider) Decide(ctx context.Context, candidate *x509.Certificate) (qtrust.Decision, error) {
	d.Started <- candidate
	select {
	case <-d.released:
		return d.decision, nil
	case <-ctx.Done():
		return qtrust.AcceptAlways, ctx.Err()
	}
}

// Release answers every current and future Decide call with dec.
func (d *BlockingDecider) Release(dec qtrust.Decision) {
	d.once.Do(func() {
		d.decision = dec
		close(d.released)
	})
}

// Prompt is a scripted PasswordPrompt. It hands out its passwords in
// order and then reports cancellation.
type Prompt struct {
	mu        sync.Mutex
	passwords []string
	messages  []string
}

func NewPrompt(passwords ...string) *Prompt {
	return &Prompt{passwords: passwords}
}

func (p *Prompt) Password(ctx context.Context, message string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.passwords) == 0 {
		return nil, qtrust.ErrPromptCancelled
	}
	pw := p.passwords[0]
	p.passwords = p.passwords[1:]
	return []byte(pw), nil
}

// Messages returns the prompt messages shown so far.
func (p *Prompt) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}
