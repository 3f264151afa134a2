package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Money: сумма в минимальных единицах валюты (две десятичные цифры).
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// ParseMoney разбирает десятичную строку вида "42.00" без потерь точности.
func ParseMoney(amount, currency string) (Money, error) {
	amount = strings.TrimSpace(amount)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return Money{}, ErrCurrencyRequired
	}
	if amount == "" {
		return Money{}, ErrMoneyFormat
	}
	negative := strings.HasPrefix(amount, "-")
	if negative {
		return Money{}, ErrAmountNegative
	}

	whole, frac, hasFrac := strings.Cut(amount, ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return Money{}, fmt.Errorf("%w: %q", ErrMoneyFormat, amount)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return Money{}, fmt.Errorf("%w: %q", ErrMoneyFormat, amount)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return Money{}, fmt.Errorf("%w: %q", ErrMoneyFormat, amount)
	}
	if units > (1<<63-1-cents)/100 {
		return Money{}, fmt.Errorf("%w: %q overflows", ErrMoneyFormat, amount)
	}
	return Money{AmountMinor: units*100 + cents, Currency: currency}, nil
}

// String форматирует сумму как "42.00 USD".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal(), m.Currency)
}

// Decimal возвращает десятичное представление без валюты.
func (m Money) Decimal() string {
	sign := ""
	v := m.AmountMinor
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Validate проверяет инварианты суммы.
func (m Money) Validate() error {
	if m.AmountMinor < 0 {
		return ErrAmountNegative
	}
	if strings.TrimSpace(m.Currency) == "" {
		return ErrCurrencyRequired
	}
	return nil
}
