package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tokenlink/internal/util"
	bboltstorage "github.com/jmcleod/tokenlink/storage/bbolt"
	"github.com/jmcleod/tokenlink/token/soft"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage software tokens in the data directory",
		Long: `Software tokens live in the proxy's data directory and are attached when
"tokenlink serve" starts. Stop the proxy before changing them.`,
	}
	cmd.AddCommand(
		newTokenInitCmd(a),
		newTokenListCmd(a),
		newTokenImportCmd(a),
		newTokenGenKeyCmd(a),
		newTokenDeleteCmd(a),
	)
	return cmd
}

// readPIN returns flagPIN or, when empty, the first line of the input
// stream.
func (a *app) readPIN(flagPIN string) (string, error) {
	if pin := util.NormalizePIN(flagPIN); pin != "" {
		return pin, nil
	}
	fmt.Fprint(a.errOut, "Token PIN: ")
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading PIN: %w", err)
	}
	pin := util.NormalizePIN(strings.TrimSpace(line))
	if pin == "" {
		return "", errors.New("a token PIN is required")
	}
	return pin, nil
}

// withToken opens the token id and logs it in with pin before calling fn.
func (a *app) withToken(id, pin string, fn func(t *soft.Token) error) error {
	repo, err := openRepository(a.cfg.DataDir)
	if err != nil {
		return err
	}
	defer repo.Close()
	t, err := soft.Open(repo, id)
	if err != nil {
		return err
	}
	if err := t.Login(pin); err != nil {
		return err
	}
	defer t.Logout()
	return fn(t)
}

func newTokenInitCmd(a *app) *cobra.Command {
	var name, pin, atr string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a software token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			pin, err := a.readPIN(pin)
			if err != nil {
				return err
			}
			repo, err := openRepository(a.cfg.DataDir)
			if err != nil {
				return err
			}
			defer repo.Close()

			var opts []soft.Option
			if atr != "" {
				opts = append(opts, soft.WithATR(atr))
			}
			t, err := soft.Create(repo, name, pin, opts...)
			if err != nil {
				return err
			}
			return a.emit(tokenRow{ID: t.ID(), Name: t.Name(), ATR: t.ATR()}, func(w io.Writer) {
				fmt.Fprintln(w, t.ID())
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "Software Token", "display name")
	cmd.Flags().StringVar(&pin, "pin", "", "token PIN (read from stdin when empty)")
	cmd.Flags().StringVar(&atr, "atr", "", "answer-to-reset string to report")
	return cmd
}

type tokenRow struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	ATR  string `json:"atr,omitempty" yaml:"atr,omitempty"`
}

func newTokenListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List software tokens",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			rows, err := listTokens(a.cfg.DataDir)
			if err != nil {
				return err
			}
			return a.emit(rows, func(w io.Writer) {
				row(w, "ID", "NAME", "ATR")
				for _, r := range rows {
					row(w, r.ID, r.Name, r.ATR)
				}
			})
		},
	}
}

func listTokens(dataDir string) ([]tokenRow, error) {
	repo, err := openRepository(dataDir)
	if err != nil {
		return nil, err
	}
	defer repo.Close()
	return tokenRows(repo)
}

func tokenRows(repo *bboltstorage.Store) ([]tokenRow, error) {
	tokens, err := soft.OpenAll(repo)
	if err != nil {
		return nil, err
	}
	rows := make([]tokenRow, 0, len(tokens))
	for _, t := range tokens {
		rows = append(rows, tokenRow{ID: t.ID(), Name: t.Name(), ATR: t.ATR()})
	}
	return rows, nil
}

func newTokenImportCmd(a *app) *cobra.Command {
	var pin, certFile, keyFile, label string
	cmd := &cobra.Command{
		Use:   "import TOKEN",
		Short: "Import certificates and an EC private key into a software token",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if certFile == "" && keyFile == "" {
				return errors.New("nothing to import: pass --cert and/or --key")
			}
			pin, err := a.readPIN(pin)
			if err != nil {
				return err
			}
			var indices []string
			err = a.withToken(args[0], pin, func(t *soft.Token) error {
				if certFile != "" {
					data, err := os.ReadFile(certFile)
					if err != nil {
						return fmt.Errorf("reading certificates: %w", err)
					}
					certs, err := t.ImportCertificatePEM(data)
					if err != nil {
						return err
					}
					indices = append(indices, certs...)
				}
				if keyFile != "" {
					data, err := os.ReadFile(keyFile)
					if err != nil {
						return fmt.Errorf("reading key: %w", err)
					}
					pub, priv, err := t.ImportKeyPEM(label, data)
					if err != nil {
						return err
					}
					indices = append(indices, pub, priv)
				}
				return nil
			})
			if err != nil {
				return err
			}
			return a.emitIndices(indices)
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "token PIN (read from stdin when empty)")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM file of certificates")
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM file holding an EC private key")
	cmd.Flags().StringVar(&label, "label", "", "label for the imported key")
	return cmd
}

func newTokenGenKeyCmd(a *app) *cobra.Command {
	var pin, label string
	cmd := &cobra.Command{
		Use:   "genkey TOKEN",
		Short: "Generate an ECDSA P-256 key pair on a software token",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			pin, err := a.readPIN(pin)
			if err != nil {
				return err
			}
			var indices []string
			err = a.withToken(args[0], pin, func(t *soft.Token) error {
				pub, priv, err := t.GenerateKey(label)
				indices = append(indices, pub, priv)
				return err
			})
			if err != nil {
				return err
			}
			return a.emitIndices(indices)
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "token PIN (read from stdin when empty)")
	cmd.Flags().StringVar(&label, "label", "", "key label")
	return cmd
}

func newTokenDeleteCmd(a *app) *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "delete TOKEN INDEX",
		Short: "Delete a certificate or key pair from a software token",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			pin, err := a.readPIN(pin)
			if err != nil {
				return err
			}
			err = a.withToken(args[0], pin, func(t *soft.Token) error {
				return t.Delete(args[1])
			})
			if err != nil {
				return err
			}
			return a.emit(map[string]string{"deleted": args[1]}, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %s\n", args[1])
			})
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "token PIN (read from stdin when empty)")
	return cmd
}

func (a *app) emitIndices(indices []string) error {
	return a.emit(map[string][]string{"indices": indices}, func(w io.Writer) {
		for _, idx := range indices {
			fmt.Fprintln(w, idx)
		}
	})
}
