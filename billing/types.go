package billing

import "time"

// InvoiceStatus is the lifecycle status reported by the invoicing backend.
type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoiceOpen    InvoiceStatus = "open"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceOverdue InvoiceStatus = "overdue"
	InvoiceVoid    InvoiceStatus = "void"
)

// Invoice is a customer invoice. Amounts are in minor currency units.
type Invoice struct {
	ID         string        `json:"id" yaml:"id"`
	Number     string        `json:"number" yaml:"number"`
	Status     InvoiceStatus `json:"status" yaml:"status"`
	Currency   string        `json:"currency" yaml:"currency"`
	AmountDue  int64         `json:"amountDue" yaml:"amount_due"`
	AmountPaid int64         `json:"amountPaid" yaml:"amount_paid"`
	IssuedAt   time.Time     `json:"issuedAt" yaml:"issued_at"`
	DueAt      time.Time     `json:"dueAt,omitzero" yaml:"due_at,omitempty"`
	Lines      []InvoiceLine `json:"lines,omitempty" yaml:"lines,omitempty"`
}

// InvoiceLine is a single line item.
type InvoiceLine struct {
	Description string `json:"description" yaml:"description"`
	Quantity    int    `json:"quantity" yaml:"quantity"`
	UnitAmount  int64  `json:"unitAmount" yaml:"unit_amount"`
}

// InvoicePage is one page of a ListInvoices result.
type InvoicePage struct {
	Invoices []Invoice `json:"invoices" yaml:"invoices"`
	Page     int       `json:"page" yaml:"page"`
	PerPage  int       `json:"perPage" yaml:"per_page"`
	Total    int       `json:"total" yaml:"total"`
}

// HasMore reports whether pages remain after this one.
func (p *InvoicePage) HasMore() bool {
	return p.Page*p.PerPage < p.Total
}

// Subscription is a recurring plan collected by Direct Debit.
type Subscription struct {
	ID            string    `json:"id" yaml:"id"`
	Plan          string    `json:"plan" yaml:"plan"`
	Status        string    `json:"status" yaml:"status"`
	Currency      string    `json:"currency" yaml:"currency"`
	Amount        int64     `json:"amount" yaml:"amount"`
	Interval      string    `json:"interval" yaml:"interval"`
	NextBillingAt time.Time `json:"nextBillingAt,omitzero" yaml:"next_billing_at,omitempty"`
}

// ListOptions filters and paginates ListInvoices.
type ListOptions struct {
	Page    int
	PerPage int
	Status  InvoiceStatus
}

type invoiceResponse struct {
	Invoice *Invoice `json:"invoice"`
}

type subscriptionsResponse struct {
	Subscriptions []Subscription `json:"subscriptions"`
}
