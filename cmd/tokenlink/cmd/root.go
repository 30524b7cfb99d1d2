package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/tokenlink/exporter"
	"github.com/jmcleod/tokenlink/provider"
	"github.com/jmcleod/tokenlink/proxy/client"
	"github.com/jmcleod/tokenlink/session"
	"github.com/jmcleod/tokenlink/store"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=".
var Version = "dev"

// app carries the state shared by every subcommand of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer
	in     io.Reader

	configFile string
	cfg        *Config
	logger     *slog.Logger
	level      slog.Level
	dialer     session.Dialer
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout, errOut: os.Stderr, in: os.Stdin}

	root := &cobra.Command{
		Use:   "tokenlink",
		Short: "tokenlink reads certificates and keys from tokens behind a local proxy",
		Long: `tokenlink talks to the token proxy listening on the loopback interface.
Sessions are approved by an operator with the PIN shown when connecting, after
which the attached tokens can be listed, enumerated and their certificates and
public keys exported.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./.tokenlink.yaml or $HOME/.tokenlink.yaml)")
	pf.String("endpoint", "", "proxy address")
	pf.StringP("output", "o", "", "output format: text, json or yaml")
	pf.Duration("timeout", 0, "overall deadline for a command")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("data-dir", "", "directory holding the software token database")

	root.AddCommand(
		newServeCmd(a),
		newPendingCmd(a),
		newApproveCmd(a),
		newUnlockCmd(a),
		newProvidersCmd(a),
		newItemsCmd(a),
		newExportCmd(a),
		newVerifyCmd(a),
		newTokenCmd(a),
		newVersionCmd(a),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()
	a.in = cmd.InOrStdin()

	cfg, err := loadConfig(viper.New(), cmd, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	a.logger = slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: a.level}))
	if a.dialer == nil {
		a.dialer = client.New(client.WithLogger(a.logger))
	}
	return nil
}

// withTimeout bounds ctx by the configured command timeout.
func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Timeout)
}

// connect opens an authenticated session, printing the challenge PIN to the
// error stream for the operator. The caller closes the returned Manager.
func (a *app) connect(ctx context.Context) (*session.Manager, *session.Session, error) {
	presenter := session.PresenterFunc(func(_ context.Context, pin string) error {
		fmt.Fprintf(a.errOut, "Session PIN: %s\nApprove it with: tokenlink approve %s\n", pin, pin)
		return nil
	})
	m := session.NewManager(a.dialer,
		session.WithEndpoint(a.cfg.Endpoint),
		session.WithLogger(a.logger),
		session.WithPresenter(presenter))
	sess, err := m.Connect(ctx)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	return m, sess, nil
}

func (a *app) providers() *provider.Registry {
	return provider.NewRegistry(provider.WithLogger(a.logger))
}

func (a *app) enumerator() *store.Enumerator {
	return store.NewEnumerator(store.WithLogger(a.logger))
}

func (a *app) exporter() *exporter.Exporter {
	return exporter.New(exporter.WithLogger(a.logger))
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tokenlink version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.emit(map[string]string{"version": Version}, func(w io.Writer) {
				fmt.Fprintln(w, Version)
			})
		},
	}
}
