// Package model contains the domain types shared across the service:
// payroll periods, runs, entries, workflow status, and calculation
// progress, plus the standard error envelope.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payroll period statuses. A period is immutable once closed or archived.
const (
	PeriodStatusPlanned  = "planned"
	PeriodStatusActive   = "active"
	PeriodStatusClosed   = "closed"
	PeriodStatusArchived = "archived"
)

// PayrollPeriod is one recurring pay cycle owning zero or more runs.
type PayrollPeriod struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Immutable reports whether the period can no longer enter a workflow.
func (p PayrollPeriod) Immutable() bool {
	return p.Status == PeriodStatusClosed || p.Status == PeriodStatusArchived
}

// Payroll run statuses.
const (
	RunStatusNew                = "new"
	RunStatusPendingCalculation = "pending_calculation"
	RunStatusCalculated         = "calculated"
	RunStatusApproved           = "approved"
	RunStatusPaid               = "paid"
)

// PayrollRun is one execution attempt of payroll for a period. A period may
// have several runs; the workflow always operates on the newest one.
type PayrollRun struct {
	ID              string    `json:"id"`
	PayrollPeriodID string    `json:"payroll_period_id"`
	RunDate         time.Time `json:"run_date"`
	Status          string    `json:"status"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PayComponent is one itemized earning or deduction line on an entry.
type PayComponent struct {
	Amount decimal.Decimal `json:"amount"`
	Order  int             `json:"display_order"`
	Name   string          `json:"name"`
}

// PayrollEntry is one employee's itemized pay record within a run. The three
// derived totals are always recomputed from the component maps, never edited
// independently of them.
type PayrollEntry struct {
	ID              string                  `json:"id"`
	PayrollRunID    string                  `json:"payroll_run_id"`
	EmployeeID      string                  `json:"employee_id"`
	EmployeeName    string                  `json:"employee_name,omitempty"`
	Earnings        map[string]PayComponent `json:"earnings_details"`
	Deductions      map[string]PayComponent `json:"deductions_details"`
	GrossPay        decimal.Decimal         `json:"gross_pay"`
	TotalDeductions decimal.Decimal         `json:"total_deductions"`
	NetPay          decimal.Decimal         `json:"net_pay"`
}

// Round2 rounds a currency amount to two decimal places, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Recompute derives gross pay, total deductions, and net pay from the
// component maps. Each total is rounded to two decimals half away from zero,
// so net == round2(gross - deductions) holds afterwards.
func (e *PayrollEntry) Recompute() {
	gross := decimal.Zero
	for _, c := range e.Earnings {
		gross = gross.Add(c.Amount)
	}
	deductions := decimal.Zero
	for _, c := range e.Deductions {
		deductions = deductions.Add(c.Amount)
	}
	e.GrossPay = Round2(gross)
	e.TotalDeductions = Round2(deductions)
	e.NetPay = Round2(gross.Sub(deductions))
}

// Validate rejects component amounts that are negative or carry more than
// two decimal places. Nothing is mutated when validation fails.
func (e *PayrollEntry) Validate() error {
	var details []FieldError
	for code, c := range e.Earnings {
		if fe := validateAmount("earnings."+code, c.Amount); fe != nil {
			details = append(details, *fe)
		}
	}
	for code, c := range e.Deductions {
		if fe := validateAmount("deductions."+code, c.Amount); fe != nil {
			details = append(details, *fe)
		}
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

func validateAmount(field string, amount decimal.Decimal) *FieldError {
	if amount.IsNegative() {
		return &FieldError{
			Field:   field,
			Code:    "negative_amount",
			Message: fmt.Sprintf("amount %s must not be negative", amount),
		}
	}
	if amount.Exponent() < -2 {
		return &FieldError{
			Field:   field,
			Code:    "precision",
			Message: fmt.Sprintf("amount %s exceeds two decimal places", amount),
		}
	}
	return nil
}

// EntryPage is one page of entries from the persistence collaborator.
type EntryPage struct {
	Entries []PayrollEntry `json:"items"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	Size    int            `json:"size"`
}

// DataCheck is the result of the side-effect-free period data probe.
type DataCheck struct {
	HasData    bool `json:"has_data"`
	EntryCount int  `json:"entry_count"`
}

// CopyResult reports the outcome of a copy-from-period batch. Partial
// per-employee failures are non-fatal and surface as a bounded error list.
type CopyResult struct {
	Success        bool     `json:"success"`
	EntriesCreated int      `json:"entries_created"`
	Errors         []string `json:"errors,omitempty"`
}
