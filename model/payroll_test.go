package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRecomputeSumsComponents(t *testing.T) {
	entry := PayrollEntry{
		ID:         "entry-1",
		EmployeeID: "emp-1",
		Earnings: map[string]PayComponent{
			"base":  {Amount: dec("1000"), Name: "Base Salary"},
			"bonus": {Amount: dec("500"), Name: "Bonus"},
		},
		Deductions: map[string]PayComponent{
			"tax": {Amount: dec("300"), Name: "Income Tax"},
		},
	}

	entry.Recompute()

	if got := entry.GrossPay.StringFixed(2); got != "1500.00" {
		t.Errorf("GrossPay = %s, want 1500.00", got)
	}
	if got := entry.TotalDeductions.StringFixed(2); got != "300.00" {
		t.Errorf("TotalDeductions = %s, want 300.00", got)
	}
	if got := entry.NetPay.StringFixed(2); got != "1200.00" {
		t.Errorf("NetPay = %s, want 1200.00", got)
	}
}

func TestRecomputeEmptyComponents(t *testing.T) {
	entry := PayrollEntry{ID: "entry-1"}
	entry.Recompute()

	if !entry.GrossPay.IsZero() || !entry.TotalDeductions.IsZero() || !entry.NetPay.IsZero() {
		t.Errorf("empty entry should compute all-zero totals, got %s/%s/%s",
			entry.GrossPay, entry.TotalDeductions, entry.NetPay)
	}
}

func TestRecomputeNetMatchesRoundedDifference(t *testing.T) {
	// Sub-cent components: net must equal round2(gross - deductions), not
	// the difference of the individually rounded totals.
	entry := PayrollEntry{
		Earnings: map[string]PayComponent{
			"a": {Amount: dec("10.004")},
			"b": {Amount: dec("10.004")},
		},
		Deductions: map[string]PayComponent{
			"t": {Amount: dec("0.003")},
		},
	}
	entry.Recompute()

	want := Round2(dec("20.008").Sub(dec("0.003")))
	if !entry.NetPay.Equal(want) {
		t.Errorf("NetPay = %s, want %s", entry.NetPay, want)
	}
}

func TestRound2HalfAwayFromZero(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2.675", "2.68"},
		{"2.665", "2.67"},
		{"-2.675", "-2.68"},
		{"1.004", "1.00"},
		{"1.005", "1.01"},
		{"0", "0.00"},
	}
	for _, tc := range cases {
		if got := Round2(dec(tc.in)).StringFixed(2); got != tc.want {
			t.Errorf("Round2(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestValidateRejectsNegativeAmounts(t *testing.T) {
	entry := PayrollEntry{
		Earnings: map[string]PayComponent{
			"base": {Amount: dec("-100")},
		},
	}

	err := entry.Validate()
	if err == nil {
		t.Fatal("expected validation error for negative amount")
	}
	ee, ok := err.(*ErrorEnvelope)
	if !ok || ee.Code != ErrValidationError {
		t.Fatalf("expected VALIDATION_ERROR envelope, got %v", err)
	}
	if len(ee.Details) != 1 || ee.Details[0].Field != "earnings.base" {
		t.Errorf("unexpected details: %+v", ee.Details)
	}
}

func TestValidateRejectsExcessPrecision(t *testing.T) {
	entry := PayrollEntry{
		Deductions: map[string]PayComponent{
			"tax": {Amount: dec("10.123")},
		},
	}

	err := entry.Validate()
	if err == nil {
		t.Fatal("expected validation error for three decimal places")
	}
	ee := err.(*ErrorEnvelope)
	if len(ee.Details) != 1 || ee.Details[0].Code != "precision" {
		t.Errorf("unexpected details: %+v", ee.Details)
	}
}

func TestValidateAcceptsWellFormedEntry(t *testing.T) {
	entry := PayrollEntry{
		Earnings: map[string]PayComponent{
			"base": {Amount: dec("1000.50")},
		},
		Deductions: map[string]PayComponent{
			"tax": {Amount: dec("150.25")},
		},
	}
	if err := entry.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestPeriodImmutable(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{PeriodStatusPlanned, false},
		{PeriodStatusActive, false},
		{PeriodStatusClosed, true},
		{PeriodStatusArchived, true},
	}
	for _, tc := range cases {
		p := PayrollPeriod{Status: tc.status}
		if got := p.Immutable(); got != tc.want {
			t.Errorf("Immutable() for %s = %v, want %v", tc.status, got, tc.want)
		}
	}
}
