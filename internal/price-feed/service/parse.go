package service

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var ErrNoPriceField = errors.New("no price field in message")

// Campos de preço aceitos, em ordem de preferência:
// "p" (trade), "price", "c" (ticker, fechamento), "lastPrice" (ticker REST-like)
var priceFields = []string{"p", "price", "c", "lastPrice"}

// ParsePrice extrai o preço de uma mensagem do stream.
// Aceita o valor como string ou número e mensagens embrulhadas em {"stream":..., "data":{...}}.
func ParsePrice(msg []byte) (decimal.Decimal, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return decimal.Zero, fmt.Errorf("decode message: %w", err)
	}
	if inner, ok := fields["data"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil {
			fields = nested
		}
	}

	for _, key := range priceFields {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		p, err := decodeNumber(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
		}
		if !p.IsPositive() {
			return decimal.Zero, fmt.Errorf("field %q: non-positive price %s", key, p)
		}
		return p, nil
	}
	return decimal.Zero, ErrNoPriceField
}

func decodeNumber(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decimal.NewFromString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return decimal.NewFromString(n.String())
	}
	return decimal.Zero, fmt.Errorf("unsupported value %s", string(raw))
}
