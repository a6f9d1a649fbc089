package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrKeyNotFound is returned for an unknown key id.
var ErrKeyNotFound = errors.New("key not found")

// StaticKeyStore is a simple in-memory keystore. Retired keys stay listed so
// old signatures keep verifying; new signatures use the default key.
type StaticKeyStore struct {
	keys         map[string][]byte
	defaultKeyID string
}

// Parse builds a keystore from "keyId:hex,keyId2:hex". defaultKeyID selects
// the signing key and must name one of the keys when set.
func Parse(raw, defaultKeyID string) (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, errors.New("invalid signing keys format, want keyId:hex")
		}
		keyID := strings.TrimSpace(parts[0])
		bytes, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", keyID, err)
		}
		if len(bytes) == 0 {
			return nil, fmt.Errorf("key %s is empty", keyID)
		}
		keys[keyID] = bytes
	}
	defaultKeyID = strings.TrimSpace(defaultKeyID)
	if defaultKeyID == "" && len(keys) == 1 {
		for id := range keys {
			defaultKeyID = id
		}
	}
	if defaultKeyID != "" {
		if _, ok := keys[defaultKeyID]; !ok {
			return nil, fmt.Errorf("default key %s: %w", defaultKeyID, ErrKeyNotFound)
		}
	}
	return &StaticKeyStore{keys: keys, defaultKeyID: defaultKeyID}, nil
}

func (s *StaticKeyStore) GetKey(ctx context.Context, keyID string) ([]byte, error) {
	_ = ctx
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// SigningKey returns the default key. An empty key id means signing is off.
func (s *StaticKeyStore) SigningKey(ctx context.Context) (keyID string, key []byte, err error) {
	if s.defaultKeyID == "" {
		return "", nil, nil
	}
	key, err = s.GetKey(ctx, s.defaultKeyID)
	return s.defaultKeyID, key, err
}
