// Package bybit implements the Bybit v5 linear perpetuals venue adapter.
package bybit

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/schema"
)

const venueName = "bybit"

// orderStatuses maps v5 order states to the unified enum. Unknown states
// normalize to open with a warning so no lifecycle update is dropped.
var orderStatuses = map[string]schema.OrderStatus{
	"Created":                 schema.OrderStatusPending,
	"New":                     schema.OrderStatusOpen,
	"Untriggered":             schema.OrderStatusOpen,
	"Triggered":               schema.OrderStatusOpen,
	"PartiallyFilled":         schema.OrderStatusPartiallyFilled,
	"Filled":                  schema.OrderStatusFilled,
	"Cancelled":               schema.OrderStatusCanceled,
	"PartiallyFilledCanceled": schema.OrderStatusCanceled,
	"Deactivated":             schema.OrderStatusCanceled,
	"Rejected":                schema.OrderStatusRejected,
}

func normalizeStatus(raw string) (schema.OrderStatus, bool) {
	status, ok := orderStatuses[raw]
	if !ok {
		return schema.OrderStatusOpen, false
	}
	return status, true
}

func normalizeSide(raw string) (schema.OrderSide, error) {
	switch strings.ToLower(raw) {
	case "buy":
		return schema.SideBuy, nil
	case "sell":
		return schema.SideSell, nil
	default:
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("unknown order side"), errs.WithRawCode(raw))
	}
}

// normalizeType maps the (orderType, triggerPrice?) pair onto the unified
// enum; the venue expresses stops as a base type plus trigger.
func normalizeType(orderType string, hasTrigger bool) (schema.OrderType, error) {
	switch strings.ToLower(orderType) {
	case "limit":
		if hasTrigger {
			return schema.OrderTypeStopLimit, nil
		}
		return schema.OrderTypeLimit, nil
	case "market":
		if hasTrigger {
			return schema.OrderTypeStop, nil
		}
		return schema.OrderTypeMarket, nil
	default:
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("unknown order type"), errs.WithRawCode(orderType))
	}
}

// nativeType maps a unified order type to (orderType, needsTrigger).
func nativeType(typ schema.OrderType) (string, bool, error) {
	switch typ {
	case schema.OrderTypeLimit:
		return "Limit", false, nil
	case schema.OrderTypeMarket:
		return "Market", false, nil
	case schema.OrderTypeStopLimit, schema.OrderTypeTakeProfitLimit:
		return "Limit", true, nil
	case schema.OrderTypeStop, schema.OrderTypeTakeProfit:
		return "Market", true, nil
	default:
		return "", false, errs.New(venueName, errs.CodeInvalidOrder,
			errs.WithMessage("unsupported order type "+string(typ)))
	}
}

func nativeSide(side schema.OrderSide) string {
	if side == schema.SideSell {
		return "Sell"
	}
	return "Buy"
}

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

func parseMillis(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("parse timestamp"), errs.WithRawMessage(raw), errs.WithCause(err))
	}
	return dec.IntPart(), nil
}

func precisionFromStep(step string) int {
	dec, err := decimal.NewFromString(step)
	if err != nil || dec.IsZero() {
		return 0
	}
	digits := -int(dec.Exponent())
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
