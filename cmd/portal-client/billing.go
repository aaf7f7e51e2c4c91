package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alexjbarnes/portal-client/billing"
	"github.com/spf13/cobra"
)

func invoicesCmd() *cobra.Command {
	var (
		opts   billing.ListOptions
		status string
	)

	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "List invoices",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}

			opts.Status = billing.InvoiceStatus(status)

			page, err := a.billing.ListInvoices(ctx, opts)
			if err != nil {
				return err
			}

			return a.render(page)
		}),
	}

	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number, starting at 1")
	cmd.Flags().IntVar(&opts.PerPage, "per-page", 0, "invoices per page")
	cmd.Flags().StringVar(&status, "status", "", "only invoices with this status (draft, open, paid, overdue, void)")

	return cmd
}

func invoiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invoice <id>",
		Short: "Show one invoice",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}

			inv, err := a.billing.GetInvoice(ctx, args[0])
			if err != nil {
				return err
			}

			return a.render(inv)
		}),
	}
}

func invoicePDFCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "invoice-pdf <id>",
		Short: "Download an invoice as PDF",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}

			pdf, err := a.billing.InvoicePDF(ctx, args[0])
			if err != nil {
				return err
			}

			path := output
			if path == "" {
				path = args[0] + ".pdf"
			}

			if err := os.WriteFile(path, pdf, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}

			a.say("saved %s (%d bytes)", path, len(pdf))

			return nil
		}),
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default <id>.pdf)")

	return cmd
}

func subscriptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions",
		Short: "List subscriptions",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}

			subs, err := a.billing.ListSubscriptions(ctx)
			if err != nil {
				return err
			}

			return a.render(subs)
		}),
	}
}
