package transform

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"integration-engine/internal/common/errors"
)

// Function is a registered template function. Arguments arrive already
// evaluated (literals or resolved context paths).
type Function func(args []interface{}) (interface{}, error)

// ConfigSource resolves application configuration keys referenced by the
// config() template function.
type ConfigSource interface {
	Lookup(key string) (interface{}, bool)
}

// MapConfigSource is a ConfigSource backed by a plain map. Useful for tests
// and for static per-deployment settings.
type MapConfigSource map[string]interface{}

func (m MapConfigSource) Lookup(key string) (interface{}, bool) {
	value, ok := m[key]
	return value, ok
}

// FunctionRegistry holds the closed set of functions callable from mapping
// expressions. There is no fallback lookup: a name is either registered here
// or the call fails. In particular there is no function that reads the raw
// process environment, so user-authored mappings cannot exfiltrate secrets.
type FunctionRegistry struct {
	functions map[string]Function
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{functions: make(map[string]Function)}
}

// NewDefaultRegistry creates a registry with the standard function set, with
// config() backed by the given source.
func NewDefaultRegistry(config ConfigSource) *FunctionRegistry {
	r := NewFunctionRegistry()

	r.Register("config", func(args []interface{}) (interface{}, error) {
		if len(args) < 1 || len(args) > 2 {
			return nil, errors.ValidationError("config expects 1 or 2 arguments")
		}
		key := stringify(args[0])
		if value, ok := config.Lookup(key); ok {
			return value, nil
		}
		if len(args) == 2 {
			return args[1], nil
		}
		return nil, nil
	})

	r.Register("upper", func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.ValidationError("upper expects 1 argument")
		}
		return strings.ToUpper(stringify(args[0])), nil
	})

	r.Register("lower", func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.ValidationError("lower expects 1 argument")
		}
		return strings.ToLower(stringify(args[0])), nil
	})

	r.Register("trim", func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.ValidationError("trim expects 1 argument")
		}
		return strings.TrimSpace(stringify(args[0])), nil
	})

	r.Register("replace", func(args []interface{}) (interface{}, error) {
		if len(args) != 3 {
			return nil, errors.ValidationError("replace expects 3 arguments")
		}
		return strings.ReplaceAll(stringify(args[0]), stringify(args[1]), stringify(args[2])), nil
	})

	r.Register("concat", func(args []interface{}) (interface{}, error) {
		var b strings.Builder
		for _, arg := range args {
			b.WriteString(stringify(arg))
		}
		return b.String(), nil
	})

	r.Register("default", func(args []interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.ValidationError("default expects 2 arguments")
		}
		if args[0] == nil || stringify(args[0]) == "" {
			return args[1], nil
		}
		return args[0], nil
	})

	r.Register("now", func(args []interface{}) (interface{}, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})

	r.Register("timestamp", func(args []interface{}) (interface{}, error) {
		return time.Now().Unix(), nil
	})

	r.Register("uuid", func(args []interface{}) (interface{}, error) {
		return uuid.New().String(), nil
	})

	r.Register("json", func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.ValidationError("json expects 1 argument")
		}
		encoded, err := json.Marshal(args[0])
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("json encoding failed: %v", err))
		}
		return string(encoded), nil
	})

	r.Register("base64", func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.ValidationError("base64 expects 1 argument")
		}
		return base64.StdEncoding.EncodeToString([]byte(stringify(args[0]))), nil
	})

	return r
}

// Register adds or replaces a function under name.
func (r *FunctionRegistry) Register(name string, fn Function) {
	r.functions[name] = fn
}

// Has reports whether name is registered.
func (r *FunctionRegistry) Has(name string) bool {
	_, ok := r.functions[name]
	return ok
}

// Call invokes a registered function by name.
func (r *FunctionRegistry) Call(name string, args []interface{}) (interface{}, error) {
	fn, ok := r.functions[name]
	if !ok {
		return nil, errors.UnknownFunctionError(name)
	}
	return fn(args)
}
