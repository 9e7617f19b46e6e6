package fdw

import (
	"strconv"

	"github.com/go-faster/errors"
)

// Options are the key/value options the host attaches to a server or a
// foreign table.
type Options map[string]string

// Get returns the value of key when it is set and non-empty.
func (o Options) Get(key string) (string, bool) {
	v, ok := o[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Require returns the value of key or an error naming the missing option.
func (o Options) Require(key string) (string, error) {
	v, ok := o.Get(key)
	if !ok {
		return "", errors.Errorf("required option %q is missing", key)
	}
	return v, nil
}

// RequireOr returns the value of key, or def when it is not set.
func (o Options) RequireOr(key, def string) string {
	if v, ok := o.Get(key); ok {
		return v
	}
	return def
}

// Int parses key as a non-negative integer, or returns def when unset.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Errorf("option %q must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

// Float parses key as a non-negative number, or returns def when unset.
func (o Options) Float(key string, def float64) (float64, error) {
	v, ok := o.Get(key)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, errors.Errorf("option %q must be a non-negative number, got %q", key, v)
	}
	return f, nil
}

// Bool parses key with strconv.ParseBool, or returns def when unset.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.Get(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Errorf("option %q must be a boolean, got %q", key, v)
	}
	return b, nil
}
