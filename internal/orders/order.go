// Package orders models completed exchange orders and persists them to
// an embedded DuckDB database.
package orders

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nashlabs/nash-stats/internal/errors"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide parses a side string.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", errors.NewMalformed(fmt.Sprintf("order type %q not supported", s))
	}
}

// Order is a completed order. All fields participate in equality, so
// Order values can be used directly as set keys.
type Order struct {
	Side         Side
	Blockchain   string
	CryptoAmount float64
	CryptoSymbol string
	FiatAmount   float64
	FiatPrice    float64
	FiatSymbol   string
}

func (o Order) String() string {
	return fmt.Sprintf("%s %g %s for %g %s at %g %s on %s",
		o.Side, o.CryptoAmount, o.CryptoSymbol,
		o.FiatAmount, o.FiatSymbol, o.FiatPrice, o.FiatSymbol, o.Blockchain)
}

// orderJSON is the wire shape. Numeric fields arrive as strings.
type orderJSON struct {
	Type         string `json:"type"`
	Blockchain   string `json:"blockchain"`
	CryptoAmount string `json:"cryptoAmount"`
	CryptoSymbol string `json:"cryptoSymbol"`
	FiatAmount   string `json:"fiatAmount"`
	FiatPrice    string `json:"fiatPrice"`
	FiatSymbol   string `json:"fiatSymbol"`
}

// UnmarshalJSON decodes an order, parsing the string-encoded amounts.
func (o *Order) UnmarshalJSON(data []byte) error {
	var raw orderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	side, err := ParseSide(raw.Type)
	if err != nil {
		return err
	}

	cryptoAmount, err := parseAmount("cryptoAmount", raw.CryptoAmount)
	if err != nil {
		return err
	}
	fiatAmount, err := parseAmount("fiatAmount", raw.FiatAmount)
	if err != nil {
		return err
	}
	fiatPrice, err := parseAmount("fiatPrice", raw.FiatPrice)
	if err != nil {
		return err
	}

	*o = Order{
		Side:         side,
		Blockchain:   raw.Blockchain,
		CryptoAmount: cryptoAmount,
		CryptoSymbol: raw.CryptoSymbol,
		FiatAmount:   fiatAmount,
		FiatPrice:    fiatPrice,
		FiatSymbol:   raw.FiatSymbol,
	}
	return nil
}

func parseAmount(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.NewMalformed(fmt.Sprintf("%s %q is not a number", field, s))
	}
	return v, nil
}

// Set is an order set keyed on full order equality.
type Set map[Order]struct{}

// NewSet builds a set from a slice.
func NewSet(orders []Order) Set {
	s := make(Set, len(orders))
	for _, o := range orders {
		s[o] = struct{}{}
	}
	return s
}

// Difference returns the orders in s that are not in other.
func (s Set) Difference(other Set) []Order {
	var diff []Order
	for o := range s {
		if _, ok := other[o]; !ok {
			diff = append(diff, o)
		}
	}
	return diff
}

// DecodeResponse decodes the latest-completed-orders API response. The
// endpoint returns either {"latestOrders": [...]} or an error object
// {"message": "..."}.
func DecodeResponse(data []byte) ([]Order, error) {
	var resp struct {
		LatestOrders []Order `json:"latestOrders"`
		Message      string  `json:"message"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.NewMalformed(fmt.Sprintf("failed to decode %q", truncate(data, 200)))
	}
	if resp.Message != "" {
		return nil, fmt.Errorf("orders API error: %s", resp.Message)
	}
	if resp.LatestOrders == nil {
		return nil, errors.NewMalformed(fmt.Sprintf("unrecognized response %q", truncate(data, 200)))
	}
	return resp.LatestOrders, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
