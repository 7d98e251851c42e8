// Package signal normalizes inbound webhook payloads into a canonical trading
// signal and defines the job record the worker consumes.
package signal

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

type Kind string

const (
	None  Kind = ""
	Long  Kind = "LONG"
	Short Kind = "SHORT"
	Close Kind = "CLOSE"
)

func (k Kind) Valid() bool {
	return k == Long || k == Short || k == Close
}

// Payload is one of the inbound shapes the parser understands. The set is
// closed: FieldPayload and TextPayload are the only implementations.
type Payload interface {
	Kind() Kind
	payload()
}

// FieldPayload is a JSON object carrying the signal in a named field.
type FieldPayload struct {
	Field string
	Value string
}

// TextPayload is a free-text body that may contain [BUY]/[SELL]/[CLOSE] tags.
type TextPayload struct {
	Body string
}

func (FieldPayload) payload() {}
func (TextPayload) payload()  {}

// fieldOrder is the lookup order for JSON payloads. The first field that
// yields a signal wins.
var fieldOrder = []string{"signal", "direction", "text", "message"}

var words = map[string]Kind{
	"LONG":    Long,
	"BUY":     Long,
	"UP":      Long,
	"BULLISH": Long,
	"SHORT":   Short,
	"SELL":    Short,
	"DOWN":    Short,
	"BEARISH": Short,
	"CLOSE":   Close,
	"EXIT":    Close,
	"FLAT":    Close,
}

var tagPattern = regexp.MustCompile(`\[([A-Za-z]+)\]`)

func (p FieldPayload) Kind() Kind {
	switch p.Field {
	case "signal", "direction":
		if k := word(p.Value); k != None {
			return k
		}
		return tagged(p.Value)
	default:
		if k := tagged(p.Value); k != None {
			return k
		}
		return word(p.Value)
	}
}

func (p TextPayload) Kind() Kind {
	if k := tagged(p.Body); k != None {
		return k
	}
	return word(p.Body)
}

// Classify picks the payload shape of a raw request body. It never fails: a
// body that is neither a recognizable JSON object nor text comes back as an
// empty TextPayload, which parses to None.
func Classify(body []byte) []Payload {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]interface{}
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			var out []Payload
			for _, field := range fieldOrder {
				if v, ok := obj[field].(string); ok {
					out = append(out, FieldPayload{Field: field, Value: v})
				}
			}
			return out
		}
	}
	return []Payload{TextPayload{Body: string(trimmed)}}
}

// Parse returns the canonical signal in body, or None when nothing matches.
func Parse(body []byte) Kind {
	for _, p := range Classify(body) {
		if k := p.Kind(); k != None {
			return k
		}
	}
	return None
}

func word(s string) Kind {
	return words[strings.ToUpper(strings.TrimSpace(s))]
}

// tagged returns the signal of the first bracketed tag that names one.
func tagged(s string) Kind {
	for _, m := range tagPattern.FindAllStringSubmatch(s, -1) {
		if k := words[strings.ToUpper(m[1])]; k != None {
			return k
		}
	}
	return None
}
