package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/kardianos/qtrust"
	"github.com/kardianos/qtrust/qstore"
)

// terminal asks the operator for store passwords and trust decisions.
// Input that is not a terminal is read line by line, which scripts and
// tests rely on.
type terminal struct {
	mu  sync.Mutex
	in  *bufio.Reader
	fd  int
	out io.Writer
}

func newTerminal(in io.Reader, out io.Writer) *terminal {
	t := &terminal{in: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
	}
	return t
}

func (t *terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *terminal) readPassword() ([]byte, error) {
	if t.fd >= 0 {
		pw, err := term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		return pw, err
	}
	line, err := t.in.ReadBytes('\n')
	if err != nil && (!errors.Is(err, io.EOF) || len(line) == 0) {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// Password implements qtrust.PasswordPrompt. An empty answer or end of
// input cancels.
func (t *terminal) Password(ctx context.Context, message string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fmt.Fprintf(t.out, "%s (empty to cancel): ", message)
	pw, err := t.readPassword()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, qtrust.ErrPromptCancelled
		}
		return nil, err
	}
	if len(pw) == 0 {
		return nil, qtrust.ErrPromptCancelled
	}
	return pw, nil
}

// newPassword asks for a new store password twice.
func (t *terminal) newPassword(ctx context.Context, path string) ([]byte, error) {
	pw, err := t.Password(ctx, "New password for "+path)
	if err != nil {
		return nil, err
	}
	again, err := t.Password(ctx, "Retype password")
	if err != nil {
		qstore.Wipe(pw)
		return nil, err
	}
	defer qstore.Wipe(again)
	if !bytes.Equal(pw, again) {
		qstore.Wipe(pw)
		return nil, errors.New("passwords do not match")
	}
	return pw, nil
}

// Decide implements qtrust.TrustDecider.
func (t *terminal) Decide(ctx context.Context, candidate *x509.Certificate) (qtrust.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := qtrust.Describe(candidate)
	color.New(color.FgYellow, color.Bold).Fprintln(t.out, "The server certificate was issued by an unknown authority.")
	fmt.Fprint(t.out, sum.String())
	alert := color.New(color.FgRed)
	if sum.Expired(time.Now()) {
		alert.Fprintln(t.out, "The authority certificate is outside its validity period.")
	}
	if problem := qtrust.DecisionProblem(ctx); problem != nil {
		alert.Fprintf(t.out, "Even if trusted, the chain fails: %v\n", problem)
	}

	for {
		if err := ctx.Err(); err != nil {
			return qtrust.Reject, err
		}
		fmt.Fprint(t.out, "Trust this authority? [a]lways, [o]nce, [r]eject: ")
		line, err := t.readLine()
		if err != nil {
			return qtrust.Reject, err
		}
		if strings.TrimSpace(line) == "" {
			return qtrust.Reject, nil
		}
		if d, err := qtrust.ParseDecision(line); err == nil {
			return d, nil
		}
	}
}

// warn prints a non-fatal problem reported during a connection.
func (t *terminal) warn(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	color.New(color.FgYellow).Fprintf(t.out, "warning: %v\n", err)
}
