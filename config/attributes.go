package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// AttributeMap is a hierarchical key value tree, the shape a JSON
// config document decodes into before sections are bound to typed
// params.
type AttributeMap map[string]interface{}

// Has reports whether the key is present.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// Section returns the nested map under the key, or nil when the key is
// absent or not a map.
func (am AttributeMap) Section(name string) AttributeMap {
	x, has := am[name]
	if !has {
		return nil
	}
	if m, ok := x.(map[string]interface{}); ok {
		return AttributeMap(m)
	}
	if m, ok := x.(AttributeMap); ok {
		return m
	}
	return nil
}

// String returns the string under the key, empty when absent.
func (am AttributeMap) String(name string) string {
	x := am[name]
	if x == nil {
		return ""
	}
	if s, ok := x.(string); ok {
		return s
	}
	panic(fmt.Errorf("wanted a string for (%s) but got (%v) %T", name, x, x))
}

// Float64 returns the number under the key, def when absent.
func (am AttributeMap) Float64(name string, def float64) float64 {
	x, has := am[name]
	if !has {
		return def
	}
	if v, ok := x.(float64); ok {
		return v
	}
	if v, ok := x.(int); ok {
		return float64(v)
	}
	panic(fmt.Errorf("wanted a number for (%s) but got (%v) %T", name, x, x))
}

// Int returns the integer under the key, def when absent. JSON numbers
// arrive as float64 and are accepted.
func (am AttributeMap) Int(name string, def int) int {
	x, has := am[name]
	if !has {
		return def
	}
	if v, ok := x.(int); ok {
		return v
	}
	if v, ok := x.(float64); ok {
		return int(v)
	}
	panic(fmt.Errorf("wanted an int for (%s) but got (%v) %T", name, x, x))
}

// Bool returns the boolean under the key, def when absent.
func (am AttributeMap) Bool(name string, def bool) bool {
	x, has := am[name]
	if !has {
		return def
	}
	if v, ok := x.(bool); ok {
		return v
	}
	panic(fmt.Errorf("wanted a bool for (%s) but got (%v) %T", name, x, x))
}

// DecodeAttributes binds an attribute tree to a typed params struct
// through its json tags.
func DecodeAttributes(attributes AttributeMap, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: target})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]interface{}(attributes))
}
