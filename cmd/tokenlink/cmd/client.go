package cmd

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenlink/exporter"
	"github.com/jmcleod/tokenlink/verify"
)

// ErrVerificationFailed is returned by the verify command when the chain
// does not validate.
var ErrVerificationFailed = errors.New("certificate chain verification failed")

func newProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the tokens attached to the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()
			m, sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			providers, err := a.providers().List(ctx, sess)
			if err != nil {
				return err
			}
			return a.emit(providers, func(w io.Writer) {
				row(w, "ID", "NAME", "ATR")
				for _, p := range providers {
					row(w, p.ID, p.Name, p.ATR)
				}
			})
		},
	}
}

type itemsOutput struct {
	Provider string   `json:"provider" yaml:"provider"`
	Items    any      `json:"items" yaml:"items"`
	Failures []string `json:"failures,omitempty" yaml:"failures,omitempty"`
}

func newItemsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "items PROVIDER",
		Short: "Enumerate the certificates and keys of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()
			m, sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := a.enumerator().Enumerate(ctx, sess, args[0])
			if err != nil {
				return err
			}
			out := itemsOutput{Provider: res.ProviderID, Items: res.Items}
			for _, f := range res.Failures {
				out.Failures = append(out.Failures, f.Error())
			}
			return a.emit(out, func(w io.Writer) {
				row(w, "INDEX", "KIND", "LABEL")
				for _, it := range res.Items {
					row(w, it.Index, it.Kind.String(), it.Label)
				}
				for _, f := range out.Failures {
					fmt.Fprintf(a.errOut, "warning: %s\n", f)
				}
			})
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var (
		format  string
		outFile string
	)
	cmd := &cobra.Command{
		Use:   "export PROVIDER INDEX",
		Short: "Export a certificate or public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := exporter.ParseFormat(format)
			if err != nil {
				return err
			}
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()
			m, sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			exp, err := a.exporter().Export(ctx, sess, args[0], args[1])
			if err != nil {
				return err
			}
			text, err := exp.Encode(f)
			if err != nil {
				return err
			}
			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(text), 0o644); err != nil {
					return fmt.Errorf("writing export: %w", err)
				}
				fmt.Fprintf(a.errOut, "Wrote %s %s to %s\n", exp.Kind, exp.Index, outFile)
				return nil
			}
			return a.emit(exp, func(w io.Writer) {
				fmt.Fprint(w, text)
				if f == exporter.FormatHex {
					fmt.Fprintln(w)
				}
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(exporter.FormatPEM), "export encoding: pem or hex")
	cmd.Flags().StringVar(&outFile, "out", "", "write the export to a file instead of stdout")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var trustFile string
	cmd := &cobra.Command{
		Use:   "verify PROVIDER",
		Short: "Verify a token's certificate chain against trusted roots",
		Long: `verify enumerates the token and checks its end-entity certificate, using
the token's other certificates as intermediates and the roots in --trust as
anchors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var trusted []*x509.Certificate
			if trustFile != "" {
				data, err := os.ReadFile(trustFile)
				if err != nil {
					return fmt.Errorf("reading trust anchors: %w", err)
				}
				if trusted, err = verify.ParsePEM(data); err != nil {
					return err
				}
			}

			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()
			m, sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := a.enumerator().Enumerate(ctx, sess, args[0])
			if err != nil {
				return err
			}
			certs, err := verify.FromProxy(res.Certificates)
			if err != nil {
				return err
			}
			result := verify.New(verify.WithClock(time.Now)).Verify(ctx, verify.LeafFirst(certs), trusted)
			if err := a.emit(result, func(w io.Writer) {
				row(w, "RESULT", result.Code.String(), result.Message)
				for _, d := range result.Chain {
					row(w, "", d.Subject, d.Status+" until "+d.NotAfter)
				}
			}); err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("%w: %s", ErrVerificationFailed, result.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&trustFile, "trust", "", "PEM file of trusted root certificates")
	return cmd
}
