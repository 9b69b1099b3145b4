package kv

import (
	"context"
	"fmt"
)

// Cipher seals and opens stored values.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// EncryptedStore wraps another Store and encrypts every value at rest.
// A value that fails to decrypt is returned as an error rather than
// treated as missing, so a wrong key never looks like an empty store.
type EncryptedStore struct {
	inner  Store
	cipher Cipher
}

func NewEncryptedStore(inner Store, cipher Cipher) *EncryptedStore {
	return &EncryptedStore{inner: inner, cipher: cipher}
}

func (e *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := e.cipher.Decrypt(string(sealed))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return plain, nil
}

func (e *EncryptedStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := e.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	return e.inner.Set(ctx, key, []byte(sealed))
}

func (e *EncryptedStore) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}
