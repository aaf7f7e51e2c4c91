package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/portal-client/internal/config"
	"github.com/alexjbarnes/portal-client/notify"
	"github.com/alexjbarnes/portal-client/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// tokenCheckInterval is how often watch makes sure the access token is
// still fresh, so the session rotates while the process idles.
const tokenCheckInterval = 15 * time.Second

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream payment status notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE:  withApp(runWatch),
	}
}

func runWatch(ctx context.Context, a *app, _ []string) error {
	if err := a.requireSession(); err != nil {
		return err
	}

	listener := notify.NewListener(a.cfg.NotifyURL, a.session, func(_ context.Context, ev notify.PaymentEvent) {
		if err := a.renderEvent(ev); err != nil {
			a.logger.Warn("writing event", slog.String("error", err.Error()))
		}
	}, a.logger)

	a.logger.Info("watching payment notifications", slog.String("url", a.cfg.NotifyURL))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listener.Run(gctx)
	})

	g.Go(func() error {
		return keepFresh(gctx, a.session, tokenCheckInterval, a.logger)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (a *app) renderEvent(ev notify.PaymentEvent) error {
	if a.cfg.Output == config.OutputYAML {
		if _, err := fmt.Fprintln(a.out, "---"); err != nil {
			return err
		}
	}

	return a.render(ev)
}

// keepFresh asks the session for its access token every interval, which
// refreshes it ahead of expiry. Transient failures are logged and retried
// on the next tick; token errors end the watch.
func keepFresh(ctx context.Context, tokens notify.TokenSource, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := tokens.AccessToken(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var serr *session.Error
			if errors.As(err, &serr) && serr.IsTokenError() {
				return fmt.Errorf("keeping session fresh: %w", err)
			}

			logger.Warn("token refresh failed, will retry",
				slog.String("error", err.Error()),
			)
		}
	}
}
