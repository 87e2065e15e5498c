package types

import (
	"fmt"
	"time"
)

type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusOverdue  InvoiceStatus = "overdue"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusCanceled InvoiceStatus = "canceled"
)

// OpenInvoiceStatuses are the statuses that still count towards delinquency.
var OpenInvoiceStatuses = []InvoiceStatus{InvoiceStatusPending, InvoiceStatusOverdue}

type InvoiceKind string

const (
	InvoiceKindRecurring       InvoiceKind = "recurring"
	InvoiceKindTrialConversion InvoiceKind = "trial_conversion"
)

type EntityKind string

const (
	EntityKindPartner EntityKind = "partner"
	EntityKindTenant  EntityKind = "tenant"
)

type CollectionMode string

const (
	CollectionModeManual    CollectionMode = "manual"
	CollectionModeAutomatic CollectionMode = "automatic"
)

// BillingPeriod is a calendar month identifier in YYYY-MM form.
type BillingPeriod string

const billingPeriodLayout = "2006-01"

// PeriodOf derives the billing period from a logical run date.
func PeriodOf(t time.Time) BillingPeriod {
	return BillingPeriod(t.UTC().Format(billingPeriodLayout))
}

func (p BillingPeriod) String() string { return string(p) }

// Start is the first instant of the period in UTC.
func (p BillingPeriod) Start() (time.Time, error) {
	t, err := time.Parse(billingPeriodLayout, string(p))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid billing period %q: %w", p, err)
	}
	return t.UTC(), nil
}

// RunDate is the logical day of an orchestrator invocation in YYYY-MM-DD form.
// Phase locks are taken per run date.
type RunDate string

func RunDateOf(t time.Time) RunDate {
	return RunDate(t.UTC().Format(time.DateOnly))
}

// ParseRunDate validates a YYYY-MM-DD string.
func ParseRunDate(s string) (RunDate, error) {
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return "", fmt.Errorf("invalid run date %q: %w", s, err)
	}
	return RunDate(s), nil
}

func (d RunDate) String() string { return string(d) }

// Period is the billing period the day falls in.
func (d RunDate) Period() BillingPeriod {
	if len(d) < len(billingPeriodLayout) {
		return ""
	}
	return BillingPeriod(d[:len(billingPeriodLayout)])
}

// DateOf truncates t to midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from `from` to `to`.
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}
