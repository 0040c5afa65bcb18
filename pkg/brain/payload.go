// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package brain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jllopis/avva/pkg/errors"
)

const payloadSchema = `{
  "type": "object",
  "properties": {
    "intent": {"type": ["string", "null"]},
    "arguments": {"type": ["object", "null"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "natural_response": {"type": ["string", "null"]}
  },
  "anyOf": [
    {"required": ["intent"]},
    {"required": ["natural_response"]}
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func payloadValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("payload.schema.json", payloadSchema)
	})
	return compiledSchema, schemaErr
}

// Payload is the structured intent extraction a provider returns.
type Payload struct {
	Intent          string
	Arguments       map[string]any
	ArgumentOrder   []string // keys of Arguments in document order
	Confidence      float64
	NaturalResponse string
}

// ParsePayload extracts and validates the payload object in content. The
// object may be wrapped in a markdown fence or surrounded by prose.
func ParsePayload(content string) (Payload, error) {
	raw, ok := extractObject(content)
	if !ok {
		return Payload{}, errors.New(errors.CodeResponseParse, "no JSON object in response", nil)
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Payload{}, errors.New(errors.CodeResponseParse, "invalid JSON in response", err)
	}
	validator, err := payloadValidator()
	if err != nil {
		return Payload{}, errors.New(errors.CodeInternal, "payload schema", err)
	}
	if err := validator.Validate(doc); err != nil {
		return Payload{}, errors.New(errors.CodeResponseParse, "response does not match payload schema", err)
	}

	var wire struct {
		Intent          *string         `json:"intent"`
		Arguments       json.RawMessage `json:"arguments"`
		Confidence      float64         `json:"confidence"`
		NaturalResponse *string         `json:"natural_response"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Payload{}, errors.New(errors.CodeResponseParse, "decode payload", err)
	}

	p := Payload{Confidence: wire.Confidence}
	if wire.Intent != nil {
		p.Intent = strings.TrimSpace(*wire.Intent)
	}
	if wire.NaturalResponse != nil {
		p.NaturalResponse = *wire.NaturalResponse
	}
	if len(wire.Arguments) > 0 && string(wire.Arguments) != "null" {
		if err := json.Unmarshal(wire.Arguments, &p.Arguments); err != nil {
			return Payload{}, errors.New(errors.CodeResponseParse, "decode arguments", err)
		}
		p.ArgumentOrder = objectKeys(wire.Arguments)
	}
	return p, nil
}

// Apply copies the payload fields onto r.
func (p Payload) Apply(r *Response) {
	r.Intent = p.Intent
	r.Arguments = p.Arguments
	r.ArgumentOrder = p.ArgumentOrder
	r.Confidence = p.Confidence
	r.NaturalResponse = p.NaturalResponse
}

// OrderedArgs returns the argument values as strings in document order.
func (r Response) OrderedArgs() []string {
	keys := r.ArgumentOrder
	if len(keys) != len(r.Arguments) {
		keys = keys[:0:0]
		for k := range r.Arguments {
			keys = append(keys, k)
		}
		sortArgKeys(keys)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, ArgString(r.Arguments[k]))
	}
	return out
}

// NamedArgs returns the arguments as strings keyed by name.
func (r Response) NamedArgs() map[string]string {
	out := make(map[string]string, len(r.Arguments))
	for k, v := range r.Arguments {
		out[k] = ArgString(v)
	}
	return out
}

// ArgString renders a decoded JSON value as a call argument.
func ArgString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func extractObject(content string) (string, bool) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func objectKeys(raw json.RawMessage) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
		keys = append(keys, key)
	}
	return keys
}

// sortArgKeys orders arg0..argN numerically ahead of other keys, which
// sort lexically.
func sortArgKeys(keys []string) {
	idx := func(k string) int {
		if !strings.HasPrefix(k, "arg") {
			return -1
		}
		n, err := strconv.Atoi(k[len("arg"):])
		if err != nil {
			return -1
		}
		return n
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := idx(keys[i]), idx(keys[j])
		switch {
		case a >= 0 && b >= 0:
			return a < b
		case a >= 0 || b >= 0:
			return a >= 0
		default:
			return keys[i] < keys[j]
		}
	})
}
