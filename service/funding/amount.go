package funding

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	MessageInvalidAmount = "Enter a valid dollar amount."
	MessageTooPrecise    = "Amounts can't have more than two decimal places."
)

// Limits bounds a single deposit.
type Limits struct {
	Min      decimal.Decimal
	Max      decimal.Decimal
	Currency string
}

// DefaultLimits are $1.00 to $10,000.00 in USD.
func DefaultLimits() Limits {
	return Limits{
		Min:      decimal.RequireFromString("1.00"),
		Max:      decimal.RequireFromString("10000.00"),
		Currency: "USD",
	}
}

// ValidateAmount parses raw user input and checks it against the limits and,
// when known, the available balance. It returns a user-facing message when
// the amount is rejected.
func ValidateAmount(input string, limits Limits, balance *decimal.Decimal) (decimal.Decimal, string) {
	cleaned := strings.TrimSpace(input)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Zero, MessageInvalidAmount
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, MessageInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, MessageTooPrecise
	}

	switch {
	case amount.LessThan(limits.Min):
		return decimal.Zero, fmt.Sprintf("The minimum deposit is %s.", FormatUSD(limits.Min))
	case amount.GreaterThan(limits.Max):
		return decimal.Zero, fmt.Sprintf("The maximum deposit is %s.", FormatUSD(limits.Max))
	case balance != nil && amount.GreaterThan(*balance):
		return decimal.Zero, insufficientMessage(*balance)
	}
	return amount, ""
}

func insufficientMessage(balance decimal.Decimal) string {
	return fmt.Sprintf("This amount is more than your available balance of %s.", FormatUSD(balance))
}

// FormatUSD renders an amount as dollars with cents and thousands
// separators, e.g. $10,000.00.
func FormatUSD(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	whole, cents := s[:len(s)-3], s[len(s)-2:]

	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i := 0; i < len(whole); i++ {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(whole[i])
	}
	b.WriteByte('.')
	b.WriteString(cents)
	return b.String()
}
