package qtrust

import (
	"context"
	"errors"
	"fmt"

	"github.com/kardianos/qtrust/qstore"
)

// DefaultPassword is the well-known store password tried before prompting.
const DefaultPassword = "changeit"

// Opener opens a store. It matches qstore.Open.
type Opener func(path string, password []byte, storeType string) (*qstore.Store, error)

// RecoverOptions tune RecoverStore.
type RecoverOptions struct {
	// DefaultPassword is tried once before prompting when TryDefault is set.
	// Empty means DefaultPassword.
	DefaultPassword []byte
	TryDefault      bool

	// Open replaces qstore.Open.
	Open Opener
}

// RecoverStore opens the store at path, asking prompt for the password
// until the store opens or the operator cancels.
//
// A wrong password re-prompts with a message saying so. Any other open
// failure, such as a missing or corrupt file, is returned at once since a
// different password cannot fix it. Cancellation, a prompt error, or a nil
// prompt returns ErrRecoveryCancelled. Passwords read from the prompt are
// wiped after each attempt.
func RecoverStore(ctx context.Context, path, storeType string, prompt PasswordPrompt, opts RecoverOptions) (*qstore.Store, error) {
	open := opts.Open
	if open == nil {
		open = qstore.Open
	}

	if opts.TryDefault {
		pw := opts.DefaultPassword
		if len(pw) == 0 {
			pw = []byte(DefaultPassword)
		}
		s, err := open(path, pw, storeType)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, qstore.ErrBadPassword) {
			return nil, err
		}
	}

	message := "Enter password for " + path
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecoveryCancelled, err)
		}
		if prompt == nil {
			return nil, ErrRecoveryCancelled
		}
		pw, err := prompt.Password(ctx, message)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecoveryCancelled, err)
		}

		s, err := open(path, pw, storeType)
		qstore.Wipe(pw)
		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, qstore.ErrBadPassword):
			message = "Incorrect password for " + path + ", try again"
		default:
			return nil, err
		}
	}
}
