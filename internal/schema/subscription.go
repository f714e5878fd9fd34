package schema

import (
	"sort"
	"strings"
)

// Subscription identifies one stream subscription. Uniqueness is the triple
// (Channel, Symbol, canonical params form); IsPrivate routes it to the
// authenticated session.
type Subscription struct {
	Channel   string            `json:"channel"`
	Symbol    string            `json:"symbol,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	IsPrivate bool              `json:"isPrivate,omitempty"`
}

// Key renders the subscription identity with params in sorted canonical form.
func (s Subscription) Key() string {
	var b strings.Builder
	b.WriteString(s.Channel)
	b.WriteByte('|')
	b.WriteString(s.Symbol)
	if len(s.Params) > 0 {
		keys := make([]string, 0, len(s.Params))
		for k := range s.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('|')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(s.Params[k])
		}
	}
	return b.String()
}
