// Package kv provides the byte-oriented key-value backends the patient
// collection and migration flags are persisted in.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotFound is returned by Get when a key has never been written or was
// deleted.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable mapping from string keys to opaque byte values.
// Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// GetBool reads a boolean flag. A missing key reads as false.
func GetBool(ctx context.Context, s Store, key string) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("flag %s: %w", key, err)
	}
	return v, nil
}

func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, []byte(strconv.FormatBool(v)))
}

// GetInt reads an integer counter. A missing key reads as zero.
func GetInt(ctx context.Context, s Store, key string) (int, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return v, nil
}

func SetInt(ctx context.Context, s Store, key string, v int) error {
	return s.Set(ctx, key, []byte(strconv.Itoa(v)))
}
