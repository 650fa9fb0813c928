package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// normalizeAmount converts a JSON number or numeric string into a
// decimal string with exactly two fractional digits, rounding half away
// from zero. Binary floats never reach the wire or the store.
func normalizeAmount(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return "", fmt.Errorf("invalid amount %q", t)
		}
		return d.StringFixed(2), nil
	case float64:
		return decimal.NewFromFloat(t).StringFixed(2), nil
	case int:
		return decimal.NewFromInt(int64(t)).StringFixed(2), nil
	case nil:
		return "", fmt.Errorf("missing amount")
	}
	return "", fmt.Errorf("invalid amount type %T", v)
}

// amountField normalizes b[key] when present. Required fields error
// when absent; optional fields return ("", nil).
func (b body) amountField(key string, required bool) (string, error) {
	v, ok := b[key]
	if !ok || v == nil || v == "" {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}
	s, err := normalizeAmount(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return s, nil
}
