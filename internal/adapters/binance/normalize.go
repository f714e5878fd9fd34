// Package binance implements the Binance USDⓈ-M futures venue adapter.
package binance

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/schema"
)

const venueName = "binance"

// orderStatuses maps venue order states to the unified enum. Unknown states
// normalize to open with a warning; dropping them would lose fills.
var orderStatuses = map[string]schema.OrderStatus{
	"NEW":              schema.OrderStatusOpen,
	"PARTIALLY_FILLED": schema.OrderStatusPartiallyFilled,
	"FILLED":           schema.OrderStatusFilled,
	"CANCELED":         schema.OrderStatusCanceled,
	"REJECTED":         schema.OrderStatusRejected,
	"EXPIRED":          schema.OrderStatusExpired,
	"EXPIRED_IN_MATCH": schema.OrderStatusExpired,
}

var orderTypes = map[string]schema.OrderType{
	"LIMIT":                schema.OrderTypeLimit,
	"MARKET":               schema.OrderTypeMarket,
	"STOP":                 schema.OrderTypeStopLimit,
	"STOP_MARKET":          schema.OrderTypeStop,
	"TAKE_PROFIT":          schema.OrderTypeTakeProfitLimit,
	"TAKE_PROFIT_MARKET":   schema.OrderTypeTakeProfit,
	"TRAILING_STOP_MARKET": schema.OrderTypeTrailingStop,
}

var nativeOrderTypes = map[schema.OrderType]string{
	schema.OrderTypeLimit:           "LIMIT",
	schema.OrderTypeMarket:          "MARKET",
	schema.OrderTypeStopLimit:       "STOP",
	schema.OrderTypeStop:            "STOP_MARKET",
	schema.OrderTypeTakeProfitLimit: "TAKE_PROFIT",
	schema.OrderTypeTakeProfit:      "TAKE_PROFIT_MARKET",
	schema.OrderTypeTrailingStop:    "TRAILING_STOP_MARKET",
}

func normalizeStatus(raw string) (schema.OrderStatus, bool) {
	status, ok := orderStatuses[strings.ToUpper(raw)]
	if !ok {
		return schema.OrderStatusOpen, false
	}
	return status, true
}

func normalizeType(raw string) (schema.OrderType, error) {
	typ, ok := orderTypes[strings.ToUpper(raw)]
	if !ok {
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("unknown order type"), errs.WithRawCode(raw))
	}
	return typ, nil
}

func nativeType(typ schema.OrderType) (string, error) {
	raw, ok := nativeOrderTypes[typ]
	if !ok {
		return "", errs.New(venueName, errs.CodeInvalidOrder,
			errs.WithMessage("unsupported order type "+string(typ)))
	}
	return raw, nil
}

func normalizeSide(raw string) (schema.OrderSide, error) {
	switch strings.ToUpper(raw) {
	case "BUY":
		return schema.SideBuy, nil
	case "SELL":
		return schema.SideSell, nil
	default:
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("unknown order side"), errs.WithRawCode(raw))
	}
}

// parseFloat converts a venue decimal string through shopspring/decimal so
// precision survives until the final float conversion.
func parseFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("parse decimal"), errs.WithRawMessage(raw), errs.WithCause(err))
	}
	f, _ := dec.Float64()
	return f, nil
}

func parseOptionalPrice(raw string) (*float64, error) {
	v, err := parseFloat(raw)
	if err != nil {
		return nil, err
	}
	if v <= 0 {
		return nil, nil
	}
	return &v, nil
}

// precisionFromStep derives decimal digits from a step size string such as
// "0.010" (-> 2).
func precisionFromStep(step string) int {
	dec, err := decimal.NewFromString(step)
	if err != nil || dec.IsZero() {
		return 0
	}
	exp := int(dec.Exponent())
	digits := -exp
	// Normalize trailing zeros: "0.010" carries exponent -3 but means 2 digits.
	norm := dec.Truncate(int32(digits))
	for digits > 0 && norm.Equal(norm.Truncate(int32(digits-1))) {
		digits--
	}
	if digits < 0 {
		digits = 0
	}
	return digits
}

func stepFromPrecision(precision int) float64 {
	return math.Pow(10, -float64(precision))
}
