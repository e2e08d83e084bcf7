package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/kardianos/qtrust"
	"github.com/kardianos/qtrust/qconfig"
	"github.com/kardianos/qtrust/qstore"
)

// app carries the global flags and what PersistentPreRunE builds from them.
type app struct {
	configPath string
	storePath  string
	storeType  string
	verbose    int

	cfg  *qconfig.Config
	log  logr.Logger
	term *terminal
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "qtrust",
		Short: "Manage certificate trust stores",
		Long: `qtrust manages password protected certificate stores and connects to
TLS servers, asking whether to trust certificate authorities the store
does not know yet.

Examples:
  # Create an empty trust store
  qtrust create --store cacerts.jks

  # Trust the authorities in a PEM file
  qtrust import --store cacerts.jks root.pem

  # Connect and decide about an unknown authority
  qtrust probe --store cacerts.jks example.com:443`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file (default $"+qconfig.EnvConfigPath+" or "+qconfig.DefaultPath()+" when present)")
	flags.StringVar(&a.storePath, "store", "", "CA store path, overrides ca_store.path")
	flags.StringVar(&a.storeType, "type", "", "CA store type: JKS, PKCS12 or BOLT")
	flags.CountVarP(&a.verbose, "verbose", "v", "increase log verbosity")

	cmd.AddCommand(
		newCreateCmd(a),
		newListCmd(a),
		newImportCmd(a),
		newDeleteCmd(a),
		newProbeCmd(a),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg := qconfig.Default()
	if a.configPath == "" {
		if p := qconfig.DefaultPath(); fileExists(p) {
			a.configPath = p
		}
	}
	if a.configPath != "" {
		var err error
		cfg, err = qconfig.Load(a.configPath)
		if err != nil {
			return err
		}
	}
	if a.storePath != "" {
		cfg.CAStore.Path = a.storePath
	}
	if a.storeType != "" {
		cfg.CAStore.Type = a.storeType
	}
	if a.verbose > cfg.Logging.Verbosity {
		cfg.Logging.Verbosity = a.verbose
	}

	a.cfg = cfg
	a.log = qconfig.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	a.term = newTerminal(cmd.InOrStdin(), cmd.OutOrStdout())
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// store returns the CA store location.
func (a *app) store() (path, storeType string, err error) {
	path, storeType = a.cfg.CAStore.Path, a.cfg.CAStore.Type
	if path == "" {
		return "", "", fmt.Errorf("%w: use --store or set ca_store.path", qtrust.ErrNoStore)
	}
	if _, err := qstore.LookupFormat(storeType); err != nil {
		return "", "", err
	}
	return path, storeType, nil
}

// openStore opens the CA store with the configured password, falling back
// to the default password and the terminal prompt.
func (a *app) openStore(ctx context.Context) (*qstore.Store, error) {
	path, storeType, err := a.store()
	if err != nil {
		return nil, err
	}
	if pw := a.cfg.Params().CAPassword; pw != nil {
		s, err := qstore.Open(path, pw, storeType)
		qstore.Wipe(pw)
		if err == nil || !errors.Is(err, qstore.ErrBadPassword) {
			return s, err
		}
		a.log.Info("configured password rejected, asking on the terminal", "store", path)
	}
	var def []byte
	if a.cfg.DefaultPassword != "" {
		def = []byte(a.cfg.DefaultPassword)
	}
	return qtrust.RecoverStore(ctx, path, storeType, a.term, qtrust.RecoverOptions{
		DefaultPassword: def,
		TryDefault:      a.cfg.TryDefaultPassword,
	})
}

// editStore opens the CA store under its lock, runs edit and saves.
func (a *app) editStore(ctx context.Context, edit func(s *qstore.Store) error) error {
	path, _, err := a.store()
	if err != nil {
		return err
	}
	unlock, err := qstore.LockPath(path)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := edit(s); err != nil {
		return err
	}
	return s.Save(nil)
}
