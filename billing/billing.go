// Package billing reads invoices and subscriptions from the portal API
// through an authenticated session.
package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alexjbarnes/portal-client/session"
)

// Doer sends authenticated API requests. *session.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req session.Request, out any) (*session.Response, error)
}

// Client talks to the invoicing endpoints.
type Client struct {
	doer Doer
}

// NewClient creates a billing client on top of doer.
func NewClient(doer Doer) *Client {
	return &Client{doer: doer}
}

// ListInvoices returns one page of the signed-in customer's invoices.
func (c *Client) ListInvoices(ctx context.Context, opts ListOptions) (*InvoicePage, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}

	if opts.PerPage > 0 {
		q.Set("perPage", strconv.Itoa(opts.PerPage))
	}

	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}

	var page InvoicePage
	if _, err := c.doer.Do(ctx, session.Request{Method: http.MethodGet, Path: "/invoices", Query: q}, &page); err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}

	return &page, nil
}

// GetInvoice returns a single invoice with its line items.
func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	path, err := invoicePath(id, "")
	if err != nil {
		return nil, err
	}

	var resp invoiceResponse
	if _, err := c.doer.Do(ctx, session.Request{Method: http.MethodGet, Path: path}, &resp); err != nil {
		return nil, fmt.Errorf("getting invoice %s: %w", id, err)
	}

	if resp.Invoice == nil {
		return nil, fmt.Errorf("getting invoice %s: response has no invoice", id)
	}

	return resp.Invoice, nil
}

// InvoicePDF downloads the rendered invoice.
func (c *Client) InvoicePDF(ctx context.Context, id string) ([]byte, error) {
	path, err := invoicePath(id, "/pdf")
	if err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(ctx, session.Request{
		Method: http.MethodGet,
		Path:   path,
		Header: http.Header{"Accept": []string{"application/pdf"}},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading invoice %s: %w", id, err)
	}

	return resp.Body, nil
}

// ListSubscriptions returns the customer's subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var resp subscriptionsResponse
	if _, err := c.doer.Do(ctx, session.Request{Method: http.MethodGet, Path: "/subscriptions"}, &resp); err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	return resp.Subscriptions, nil
}

func invoicePath(id, suffix string) (string, error) {
	if id == "" {
		return "", &session.Error{Code: session.CodeValidation, Message: "invoice id is required"}
	}

	return "/invoices/" + url.PathEscape(id) + suffix, nil
}
