// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package callstring parses and formats the textual tool invocation form
// used by intents and providers: `name` or `name(arg, "quoted arg", ...)`.
package callstring

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/jllopis/avva/pkg/errors"
)

// Arg is a single call argument.
type Arg struct {
	Value  string
	Quoted bool
}

// Call is the parsed form of a call string.
type Call struct {
	Name string
	Args []Arg
}

// Values returns the argument values in order.
func (c Call) Values() []string {
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		out[i] = a.Value
	}
	return out
}

// String formats the call back into call-string form. Every argument is
// emitted double-quoted so the output always reparses to the same Call values.
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name + "()"
	}
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = strconv.Quote(a.Value)
	}
	return c.Name + "(" + strings.Join(parts, ", ") + ")"
}

// New builds a Call from a tool name and plain values.
func New(name string, values ...string) Call {
	c := Call{Name: name}
	for _, v := range values {
		c.Args = append(c.Args, Arg{Value: v, Quoted: true})
	}
	return c
}

// Parse parses a call string. Any malformed input yields a
// CodeToolNotFound error carrying the offending text.
func Parse(s string) (Call, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Call{}, parseError(s, "empty call string")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		if !isIdentifier(s) {
			return Call{}, parseError(s, "invalid tool name")
		}
		return Call{Name: s}, nil
	}

	name := strings.TrimSpace(s[:open])
	if !isIdentifier(name) {
		return Call{}, parseError(s, "invalid tool name")
	}
	if !strings.HasSuffix(s, ")") {
		return Call{}, parseError(s, "missing closing parenthesis")
	}

	args, err := parseArgs(s[open+1 : len(s)-1])
	if err != nil {
		return Call{}, parseError(s, err.Error())
	}
	return Call{Name: name, Args: args}, nil
}

func parseArgs(body string) ([]Arg, error) {
	var (
		args []Arg
		i    int
	)
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	for {
		for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
			i++
		}
		if i >= len(body) {
			return nil, fmt.Errorf("trailing comma")
		}

		var arg Arg
		switch body[i] {
		case '"', '\'':
			quote := body[i]
			i++
			var sb strings.Builder
			closed := false
			for i < len(body) {
				ch := body[i]
				if ch == '\\' && i+1 < len(body) {
					sb.WriteByte(body[i+1])
					i += 2
					continue
				}
				if ch == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted argument")
			}
			arg = Arg{Value: sb.String(), Quoted: true}
		default:
			start := i
			for i < len(body) && body[i] != ',' {
				if body[i] == '"' || body[i] == '\'' || body[i] == '(' || body[i] == ')' {
					return nil, fmt.Errorf("unexpected %q in bare argument", body[i])
				}
				i++
			}
			value := strings.TrimSpace(body[start:i])
			if value == "" {
				return nil, fmt.Errorf("empty argument")
			}
			arg = Arg{Value: value}
		}
		args = append(args, arg)

		for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
			i++
		}
		if i >= len(body) {
			return args, nil
		}
		if body[i] != ',' {
			return nil, fmt.Errorf("expected ',' after argument")
		}
		i++
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && (unicode.IsDigit(r) || r == '.' || r == '-') {
			continue
		}
		return false
	}
	return true
}

func parseError(input, reason string) error {
	return errors.New(errors.CodeToolNotFound, "malformed call string: "+reason, nil).
		WithContext("call", input)
}
