// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package analysis

import (
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Options is the configuration of one stage: a mapping from option
// name to the value decoded from the pipeline configuration file.
type Options struct {
	stage  string
	values map[string]any
}

// NewOptions wraps the raw option values of stage.
func NewOptions(stage string, values map[string]any) Options {
	if values == nil {
		values = map[string]any{}
	}
	return Options{stage: stage, values: values}
}

// Stage returns the name of the stage the options belong to.
func (o Options) Stage() string { return o.stage }

// Keys returns the option names in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o Options) malformed(key, reason string) error {
	return &ConfigurationError{Stage: o.stage, Option: key, Reason: reason}
}

// String returns the string value of key. ok is false if the option
// is absent; err is non-nil if it is present but not a scalar.
func (o Options) String(key string) (v string, ok bool, err error) {
	raw, ok := o.values[key]
	if !ok || raw == nil {
		return "", false, nil
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return "", true, o.malformed(key, "expected a string")
	}
	return s, true, nil
}

// Bool returns the boolean value of key.
func (o Options) Bool(key string) (v bool, ok bool, err error) {
	raw, ok := o.values[key]
	if !ok || raw == nil {
		return false, false, nil
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return false, true, o.malformed(key, "expected a boolean")
	}
	return b, true, nil
}

// RequiredString returns the non-empty string value of key.
func (o Options) RequiredString(key string) (string, error) {
	s, ok, err := o.String(key)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(s) == "" {
		return "", o.malformed(key, "required option is missing")
	}
	return s, nil
}

// StringOr returns the string value of key, or def if it is absent.
func (o Options) StringOr(key, def string) (string, error) {
	s, ok, err := o.String(key)
	if err != nil || !ok {
		return def, err
	}
	return s, nil
}

// BoolOr returns the boolean value of key, or def if it is absent.
func (o Options) BoolOr(key string, def bool) (bool, error) {
	b, ok, err := o.Bool(key)
	if err != nil || !ok {
		return def, err
	}
	return b, nil
}

// Int returns the integer value of key.
func (o Options) Int(key string) (v int, ok bool, err error) {
	raw, ok := o.values[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return 0, true, o.malformed(key, "expected an integer")
	}
	return n, true, nil
}

// IntOr returns the integer value of key, or def if it is absent.
func (o Options) IntOr(key string, def int) (int, error) {
	n, ok, err := o.Int(key)
	if err != nil || !ok {
		return def, err
	}
	return n, nil
}
