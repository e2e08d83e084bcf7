package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kardianos/qtrust"
)

func newProbeCmd(a *app) *cobra.Command {
	var (
		useQUIC bool
		alpn    []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe HOST:PORT",
		Short: "Connect to a server and report the negotiated TLS session",
		Long: `probe performs a TLS handshake with the server. When the server's
certificate authority is not in the CA store the authority is shown and
you decide whether to trust it always, once, or not at all.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			addr := args[0]

			o := a.cfg.Options(a.log)
			o.Decider = a.term
			o.Prompt = a.term
			o.OnWarning = a.term.warn
			o.Dialer = &net.Dialer{Timeout: timeout}
			if len(alpn) > 0 {
				o.ALPN = alpn
			}
			f, err := qtrust.NewFactory(ctx, a.cfg.Params(), o)
			if err != nil {
				return err
			}
			defer f.Close()

			var (
				state    tls.ConnectionState
				warnings []error
			)
			if useQUIC {
				conn, err := f.DialQUIC(ctx, addr, nil)
				if err != nil {
					return err
				}
				defer conn.CloseWithError(0, "")
				state, warnings = conn.ConnectionState().TLS, conn.Warnings()
			} else {
				conn, err := f.DialContext(ctx, "tcp", addr)
				if err != nil {
					return err
				}
				defer conn.Close()
				state, warnings = conn.ConnectionState(), conn.Warnings()
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintf(out, "Connected to %s\n", addr)
			fmt.Fprintf(out, "Protocol:    %s\n", qtrust.VersionName(state.Version))
			fmt.Fprintf(out, "Cipher:      %s\n", tls.CipherSuiteName(state.CipherSuite))
			if state.NegotiatedProtocol != "" {
				fmt.Fprintf(out, "ALPN:        %s\n", state.NegotiatedProtocol)
			}
			fmt.Fprintf(out, "Mutual TLS:  %t\n", f.MutualTLS())
			if len(state.PeerCertificates) > 0 {
				fmt.Fprint(out, qtrust.Describe(state.PeerCertificates[0]).String())
			}
			if len(warnings) > 0 {
				fmt.Fprintf(out, "%d warning(s) during the handshake\n", len(warnings))
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&useQUIC, "quic", false, "connect over QUIC, requires --alpn")
	flags.StringSliceVar(&alpn, "alpn", nil, "ALPN protocols to offer")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "TCP connect timeout")
	return cmd
}
