package qtrust

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/kardianos/qtrust/qstore"
)

// persister writes accepted authorities into the CA store file.
type persister struct {
	path      string
	storeType string

	password        []byte
	defaultPassword []byte
	tryDefault      bool
	prompt          PasswordPrompt
}

// save adds cert to the store under its default alias, suffixed if the
// alias is taken. The file lock is held across open, add and save so
// concurrent acceptances against the same file do not lose entries.
func (p *persister) save(ctx context.Context, cert *x509.Certificate) (string, error) {
	unlock, err := qstore.LockPath(p.path)
	if err != nil {
		return "", err
	}
	defer unlock()

	s, err := p.open(ctx)
	if err != nil {
		return "", err
	}
	defer s.Close()

	if alias, ok := s.Contains(cert); ok {
		return alias, nil
	}
	alias := uniqueAlias(s, qstore.CertificateAlias(cert))
	if err := s.AddCertificate(alias, cert); err != nil {
		return "", err
	}
	if err := s.Save(nil); err != nil {
		return "", err
	}
	return alias, nil
}

// open tries the password the factory was given, then falls back to the
// recovery loop.
func (p *persister) open(ctx context.Context) (*qstore.Store, error) {
	return openStore(ctx, p.path, p.storeType, p.password, p.prompt, RecoverOptions{
		DefaultPassword: p.defaultPassword,
		TryDefault:      p.tryDefault,
	})
}

func (p *persister) wipe() {
	qstore.Wipe(p.password)
	qstore.Wipe(p.defaultPassword)
}

func uniqueAlias(s *qstore.Store, base string) string {
	alias := base
	for n := 2; ; n++ {
		if _, taken := s.Entry(alias); !taken {
			return alias
		}
		alias = fmt.Sprintf("%s (%d)", base, n)
	}
}
