package processor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// NewDefaultRegistry returns a registry pre-populated with the built-in
// processor kinds available to every chain file.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("identity", newIdentity)
	r.Register("add", newAdd)
	r.Register("multiply", newMultiply)
	r.Register("uppercase", newUppercase)
	r.Register("suffix", newSuffix)
	return r
}

func newIdentity(args map[string]cty.Value) (Processor, error) {
	return Func(func(payload any) (any, error) {
		return payload, nil
	}), nil
}

func newAdd(args map[string]cty.Value) (Processor, error) {
	amount, err := floatArg(args, "amount")
	if err != nil {
		return nil, err
	}
	return Func(func(payload any) (any, error) {
		n, err := asFloat(payload)
		if err != nil {
			return nil, err
		}
		return n + amount, nil
	}), nil
}

func newMultiply(args map[string]cty.Value) (Processor, error) {
	factor, err := floatArg(args, "factor")
	if err != nil {
		return nil, err
	}
	return Func(func(payload any) (any, error) {
		n, err := asFloat(payload)
		if err != nil {
			return nil, err
		}
		return n * factor, nil
	}), nil
}

func newUppercase(args map[string]cty.Value) (Processor, error) {
	return Func(func(payload any) (any, error) {
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("uppercase: payload is %T, want string", payload)
		}
		return strings.ToUpper(s), nil
	}), nil
}

func newSuffix(args map[string]cty.Value) (Processor, error) {
	v, ok := args["value"]
	if !ok {
		return nil, fmt.Errorf("suffix: missing required argument %q", "value")
	}
	var suffix string
	if err := gocty.FromCtyValue(v, &suffix); err != nil {
		return nil, fmt.Errorf("suffix: argument %q: %w", "value", err)
	}
	return Func(func(payload any) (any, error) {
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("suffix: payload is %T, want string", payload)
		}
		return s + suffix, nil
	}), nil
}

// floatArg extracts a required numeric argument from a processor block.
func floatArg(args map[string]cty.Value, name string) (float64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing required argument %q", name)
	}
	var out float64
	if err := gocty.FromCtyValue(v, &out); err != nil {
		return 0, fmt.Errorf("argument %q: %w", name, err)
	}
	return out, nil
}

// asFloat widens the numeric types a JSON payload can arrive as.
func asFloat(payload any) (float64, error) {
	switch n := payload.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("payload is %T, want number", payload)
	}
}
