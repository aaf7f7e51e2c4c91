package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/portal-client/billing"
	"github.com/alexjbarnes/portal-client/internal/config"
	"github.com/alexjbarnes/portal-client/internal/logging"
	"github.com/alexjbarnes/portal-client/internal/state"
	"github.com/alexjbarnes/portal-client/notify"
	"github.com/alexjbarnes/portal-client/session"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", explain(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portal-client",
		Short:         "Customer portal client: session, invoices and payment notifications",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		signinCmd(),
		registerCmd(),
		whoamiCmd(),
		logoutCmd(),
		logoutAllCmd(),
		forgotPasswordCmd(),
		verifyResetTokenCmd(),
		resetPasswordCmd(),
		invoicesCmd(),
		invoiceCmd(),
		invoicePDFCmd(),
		subscriptionsCmd(),
		watchCmd(),
	)

	return root
}

// app holds what every command needs once configuration has loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *state.State
	session *session.Client
	billing *billing.Client

	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("portal-client starting",
		slog.String("version", Version),
		slog.String("command", cmd.Name()),
		slog.String("api", cfg.APIURL),
	)

	store, err := state.LoadAt(cfg.SessionDB, cfg.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	sess, err := session.New(store, cfg.SessionOptions(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("restoring session: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		session: sess,
		billing: billing.NewClient(sess),
		in:      bufio.NewReader(cmd.InOrStdin()),
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
	}, nil
}

type runFunc func(ctx context.Context, a *app, args []string) error

// withApp opens the configured session for the duration of one command.
func withApp(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.store.Close()

		return fn(cmd.Context(), a, args)
	}
}

// render writes v to stdout in the configured output format.
func (a *app) render(v any) error {
	if a.cfg.Output == config.OutputJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}

		return nil
	}

	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	return enc.Close()
}

func (a *app) say(format string, args ...any) {
	fmt.Fprintf(a.out, format+"\n", args...)
}

// prompt reads one line from stdin. The label goes to stderr so piped
// output stays clean.
func (a *app) prompt(label string) (string, error) {
	fmt.Fprintf(a.errOut, "%s: ", label)

	line, err := a.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) requireSession() error {
	if !a.session.HasSession() {
		return &session.Error{Code: session.CodeInvalidToken, Message: "not signed in"}
	}

	return nil
}

// explain formats a command failure for the terminal, adding the action
// the user can take where there is one.
func explain(err error) string {
	msg := err.Error()

	var serr *session.Error
	if errors.As(err, &serr) {
		for _, f := range serr.Fields {
			msg += fmt.Sprintf("\n  %s: %s", f.Field, f.Message)
		}

		if serr.IsTokenError() {
			msg += "\nrun `portal-client signin` to start a new session"
		}
	}

	switch {
	case errors.Is(err, notify.ErrSessionGone) && serr == nil:
		msg += "\nrun `portal-client signin` to start a new session"
	case errors.Is(err, state.ErrSealMismatch):
		msg += "\ncheck PORTAL_SESSION_KEY, or remove the session database and sign in again"
	}

	return msg
}
