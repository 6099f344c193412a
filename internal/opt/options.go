package opt

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// OptionType is the value type of an engine option.
type OptionType int

const (
	IntOption OptionType = iota
	FloatOption
	StringOption
)

func (t OptionType) String() string {
	switch t {
	case IntOption:
		return "int"
	case FloatOption:
		return "float"
	default:
		return "string"
	}
}

// Option declares an engine option and its default.
type Option struct {
	Type    OptionType
	Default any
	Help    string
}

// Options is an engine's option table. Values are type checked when set and
// range checked by the engine when a solve starts.
type Options struct {
	defs   map[string]Option
	values map[string]any
}

// NewOptions creates a table holding the defaults of defs.
func NewOptions(defs map[string]Option) *Options {
	o := &Options{defs: defs, values: make(map[string]any, len(defs))}
	for name, def := range defs {
		o.values[name] = def.Default
	}
	return o
}

// Set assigns an option. Strings are parsed into the option's type, and
// integral floats are accepted for integer options since YAML and JSON
// decode numbers that way.
func (o *Options) Set(name string, v any) error {
	def, ok := o.defs[name]
	if !ok {
		return configErr(name, "is not a known option")
	}
	val, err := convert(def.Type, v)
	if err != nil {
		return &ConfigError{Field: name, Reason: err.Error(), Err: err}
	}
	o.values[name] = val
	return nil
}

// SetAll assigns every option in m.
func (o *Options) SetAll(m map[string]any) error {
	for _, name := range sortedKeys(m) {
		if err := o.Set(name, m[name]); err != nil {
			return err
		}
	}
	return nil
}

func convert(t OptionType, v any) (any, error) {
	switch t {
	case IntOption:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("needs an integer, got %v", x)
			}
			return int(x), nil
		case string:
			n, err := strconv.Atoi(x)
			if err != nil {
				return nil, fmt.Errorf("needs an integer, got %q", x)
			}
			return n, nil
		}
	case FloatOption:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("needs a number, got %q", x)
			}
			return f, nil
		}
	case StringOption:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("needs a %s, got %T", t, v)
}

// Get returns the current value of an option.
func (o *Options) Get(name string) (any, bool) {
	v, ok := o.values[name]
	return v, ok
}

// Int returns an integer option, or 0 when it is not declared.
func (o *Options) Int(name string) int {
	v, _ := o.values[name].(int)
	return v
}

// Float returns a float option, or 0 when it is not declared.
func (o *Options) Float(name string) float64 {
	v, _ := o.values[name].(float64)
	return v
}

// String returns a string option, or "" when it is not declared.
func (o *Options) String(name string) string {
	v, _ := o.values[name].(string)
	return v
}

// Names returns the declared option names in order.
func (o *Options) Names() []string {
	return sortedKeys(o.defs)
}

// Def returns the declaration of an option.
func (o *Options) Def(name string) (Option, bool) {
	d, ok := o.defs[name]
	return d, ok
}

// Snapshot copies the current values for a solution record.
func (o *Options) Snapshot() map[string]any {
	out := make(map[string]any, len(o.values))
	for k, v := range o.values {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// checkRange validates an integer option against an inclusive range.
func (o *Options) checkRange(name string, lo, hi int) error {
	v := o.Int(name)
	if v < lo || v > hi {
		return configErr(name, fmt.Sprintf("must be in [%d, %d], got %d", lo, hi, v))
	}
	return nil
}
