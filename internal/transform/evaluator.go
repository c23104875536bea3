// Package transform implements the mapping expression language used by
// subscription filters and mapping rules.
//
// Templates are strings containing zero or more {{ expression }} segments.
// An expression is either a bare dot-path into the evaluation context, such as
// {{ user.email }}, or a call to a registered function, such as
// {{ config("app.name", "fallback") }}. A template that is exactly one
// expression returns the expression's native value; any surrounding literal
// text turns the result into a string with expression values substituted in
// place.
package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"integration-engine/internal/common/errors"
)

// Evaluator evaluates templates against a context using an injected function
// registry. It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	registry *FunctionRegistry
}

func NewEvaluator(registry *FunctionRegistry) *Evaluator {
	return &Evaluator{registry: registry}
}

// HasFunction reports whether the underlying registry knows name.
func (e *Evaluator) HasFunction(name string) bool {
	return e.registry.Has(name)
}

// Evaluate evaluates a template against ctx.
//
// When the whole template is a single expression the native result value is
// returned unconverted, so single-expression mappings can produce numbers,
// booleans and structured values. Otherwise each expression is stringified
// into the surrounding literal text.
func (e *Evaluator) Evaluate(template string, ctx map[string]interface{}) (interface{}, error) {
	segments, err := splitTemplate(template)
	if err != nil {
		return nil, err
	}

	if len(segments) == 1 && segments[0].expr {
		return e.evalExpression(segments[0].text, ctx)
	}

	var b strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			b.WriteString(seg.text)
			continue
		}
		value, err := e.evalExpression(seg.text, ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(value))
	}
	return b.String(), nil
}

type segment struct {
	text string
	expr bool
}

// splitTemplate cuts a template into literal and expression segments.
// Unbalanced delimiters are a parse error.
func splitTemplate(template string) ([]segment, error) {
	var segments []segment
	rest := template

	for {
		open := strings.Index(rest, "{{")
		if open == -1 {
			if strings.Contains(rest, "}}") {
				return nil, errors.ParseError("unexpected }} without matching {{")
			}
			if rest != "" {
				segments = append(segments, segment{text: rest})
			}
			break
		}

		if open > 0 {
			literal := rest[:open]
			if strings.Contains(literal, "}}") {
				return nil, errors.ParseError("unexpected }} without matching {{")
			}
			segments = append(segments, segment{text: literal})
		}

		rest = rest[open+2:]
		closing := strings.Index(rest, "}}")
		if closing == -1 {
			return nil, errors.ParseError("unclosed {{ in template")
		}

		expr := strings.TrimSpace(rest[:closing])
		if expr == "" {
			return nil, errors.ParseError("empty expression")
		}
		segments = append(segments, segment{text: expr, expr: true})
		rest = rest[closing+2:]
	}

	return segments, nil
}

// evalExpression evaluates a single trimmed expression: either a function call
// or a bare dot-path.
func (e *Evaluator) evalExpression(expr string, ctx map[string]interface{}) (interface{}, error) {
	if open := strings.Index(expr, "("); open != -1 {
		if !strings.HasSuffix(expr, ")") {
			return nil, errors.ParseError(fmt.Sprintf("malformed function call %q", expr))
		}
		name := strings.TrimSpace(expr[:open])
		if name == "" || strings.ContainsAny(name, " .\"'") {
			return nil, errors.ParseError(fmt.Sprintf("invalid function name %q", name))
		}

		args, err := e.parseArgs(expr[open+1:len(expr)-1], ctx)
		if err != nil {
			return nil, err
		}
		return e.registry.Call(name, args)
	}

	return lookupPath(ctx, expr), nil
}

// parseArgs splits and evaluates a comma-separated argument list. Arguments
// are quoted string literals, numbers, booleans, null, or dot-paths.
func (e *Evaluator) parseArgs(raw string, ctx map[string]interface{}) ([]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts, err := splitArgs(raw)
	if err != nil {
		return nil, err
	}

	args := make([]interface{}, 0, len(parts))
	for _, part := range parts {
		value, err := evalArg(part, ctx)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return args, nil
}

// splitArgs splits on commas outside of quotes.
func splitArgs(raw string) ([]string, error) {
	var (
		parts   []string
		current strings.Builder
		quote   rune
	)

	for _, r := range raw {
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			current.WriteRune(r)
		case r == ',':
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errors.ParseError("unterminated string literal in arguments")
	}
	parts = append(parts, strings.TrimSpace(current.String()))
	return parts, nil
}

func evalArg(arg string, ctx map[string]interface{}) (interface{}, error) {
	if arg == "" {
		return nil, errors.ParseError("empty argument")
	}

	if len(arg) >= 2 {
		first, last := arg[0], arg[len(arg)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return arg[1 : len(arg)-1], nil
		}
	}

	switch arg {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}

	if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return f, nil
	}

	return lookupPath(ctx, arg), nil
}

// lookupPath walks a dot-path through nested maps. A missing or unreachable
// path resolves to nil rather than an error.
func lookupPath(ctx map[string]interface{}, path string) interface{} {
	var current interface{} = ctx
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

// stringify renders a value for substitution into literal text. Structured
// values are JSON-encoded; nil renders as the empty string.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Truthy reports whether a filter result selects a subscription. Nil, false,
// numeric zero, the empty string and the string "false" are falsy; everything
// else is truthy.
func Truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case float32:
		return v != 0
	default:
		return true
	}
}
