package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kardianos/qtrust"
	"github.com/kardianos/qtrust/qstore"
)

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty certificate store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, storeType, err := a.store()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("store %s already exists", path)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			pw := a.cfg.Params().CAPassword
			if pw == nil {
				pw, err = a.term.newPassword(cmd.Context(), path)
				if err != nil {
					return err
				}
			}
			defer qstore.Wipe(pw)

			s, err := qstore.Create(path, storeType, pw)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Save(nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Created %s store %s\n", s.Type(), path)
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the entries of a certificate store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			entries := s.Entries()
			if len(entries) == 0 {
				fmt.Fprintf(out, "%s is empty\n", s.Path())
				return nil
			}
			expired := color.New(color.FgRed)
			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tKIND\tSUBJECT\tEXPIRES\tSHA-256")
			for _, e := range entries {
				kind := "trusted"
				if e.HasPrivateKey {
					kind = "key"
				}
				sum := qtrust.Describe(e.Certificate)
				expires := sum.NotAfter.Format(time.DateOnly)
				if sum.Expired(now) {
					expires = expired.Sprint(expires + " (expired)")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Alias, kind, sum.Subject, expires, sum.Fingerprint[:16])
			}
			return w.Flush()
		},
	}
}

// importCert is a certificate read from a file named on the command line.
type importCert struct {
	file string
	cert *x509.Certificate
}

func newImportCmd(a *app) *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Trust the certificates in PEM or DER files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var certs []*importCert
			for _, name := range args {
				data, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				list, err := qtrust.ParseCertificates(data)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				for _, c := range list {
					certs = append(certs, &importCert{file: name, cert: c})
				}
			}
			if alias != "" && len(certs) != 1 {
				return fmt.Errorf("--alias needs exactly one certificate, found %d", len(certs))
			}

			out := cmd.OutOrStdout()
			return a.editStore(cmd.Context(), func(s *qstore.Store) error {
				for _, c := range certs {
					if existing, ok := s.Contains(c.cert); ok {
						fmt.Fprintf(out, "%s already trusted as %q\n", c.cert.Subject, existing)
						continue
					}
					name := alias
					if name == "" {
						name = qstore.CertificateAlias(c.cert)
					}
					if err := s.AddCertificate(name, c.cert); err != nil {
						return fmt.Errorf("%s: %w", c.file, err)
					}
					fmt.Fprintf(out, "Imported %s as %q\n", c.cert.Subject, name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "alias for a single imported certificate")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ALIAS...",
		Short: "Remove entries from a certificate store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.editStore(cmd.Context(), func(s *qstore.Store) error {
				for _, alias := range args {
					if err := s.DeleteEntry(alias); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", alias)
				}
				return nil
			})
		},
	}
}
