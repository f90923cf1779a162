package bill

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name           string
		paid           string
		responsibility string
		want           Status
	}{
		{"nothing paid", "0", "1200", StatusUnpaid},
		{"partial payment", "750", "1200", StatusPartiallyPaid},
		{"paid exactly", "1200", "1200", StatusPaid},
		{"overpaid", "1300", "1200", StatusPaid},
		{"one cent short", "1199.99", "1200", StatusPartiallyPaid},
		{"zero responsibility stays unpaid", "0", "0", StatusUnpaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paid, _ := decimal.NewFromString(tt.paid)
			resp, _ := decimal.NewFromString(tt.responsibility)
			if got := ComputeStatus(paid, resp); got != tt.want {
				t.Errorf("ComputeStatus(%s, %s) = %s, want %s", tt.paid, tt.responsibility, got, tt.want)
			}
		})
	}
}
