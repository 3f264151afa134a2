package domain

import (
	"errors"
	"testing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr error
	}{
		{in: "42.00", want: 4200},
		{in: "42", want: 4200},
		{in: "42.5", want: 4250},
		{in: "0.07", want: 7},
		{in: "42.001", wantErr: ErrMoneyFormat},
		{in: "42.", wantErr: ErrMoneyFormat},
		{in: ".5", wantErr: ErrMoneyFormat},
		{in: "abc", wantErr: ErrMoneyFormat},
		{in: "-1.00", wantErr: ErrAmountNegative},
		{in: "99999999999999999999", wantErr: ErrMoneyFormat},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMoney(tc.in, "usd")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.AmountMinor != tc.want || got.Currency != "USD" {
				t.Fatalf("got %+v, want %d USD", got, tc.want)
			}
		})
	}
}

func TestParseMoney_RequiresCurrency(t *testing.T) {
	if _, err := ParseMoney("1.00", " "); !errors.Is(err, ErrCurrencyRequired) {
		t.Fatalf("expected ErrCurrencyRequired, got %v", err)
	}
}

func TestMoneyString(t *testing.T) {
	m := Money{AmountMinor: 4205, Currency: "EUR"}
	if got := m.String(); got != "42.05 EUR" {
		t.Fatalf("unexpected format %q", got)
	}
}
