package raftstore

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Op names a replicated table write.
type Op string

const (
	OpLease      Op = "LEASE"
	OpLeaseNext  Op = "LEASE_NEXT"
	OpSave       Op = "SAVE"
	OpBreakLease Op = "BREAK_LEASE"
	OpDelete     Op = "DELETE"
)

var validOps = map[Op]struct{}{
	OpLease:      {},
	OpLeaseNext:  {},
	OpSave:       {},
	OpBreakLease: {},
	OpDelete:     {},
}

// Command is the signed, replicated write envelope. At is the proposer's
// clock reading, so every replica evaluates leases and due times at the same
// instant.
type Command struct {
	ID        string          `json:"id"`
	Op        Op              `json:"op"`
	Holder    string          `json:"holder"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type commandSignable struct {
	ID        string          `json:"id"`
	Op        Op              `json:"op"`
	Holder    string          `json:"holder"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (c Command) CanonicalBytes() ([]byte, error) {
	return json.Marshal(commandSignable{
		ID:        strings.TrimSpace(c.ID),
		Op:        c.Op,
		Holder:    strings.TrimSpace(c.Holder),
		At:        c.At.UTC(),
		Payload:   c.Payload,
		PublicKey: strings.TrimSpace(c.PublicKey),
	})
}

// ValidateBasic checks required command fields.
func (c Command) ValidateBasic() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("id is required")
	}
	if _, ok := validOps[c.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
	if strings.TrimSpace(c.Holder) == "" {
		return errors.New("holder is required")
	}
	if c.At.IsZero() {
		return errors.New("at is required")
	}
	if len(c.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(c.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(c.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets the public key and signature for the given private key.
func (c *Command) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	c.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := c.CanonicalBytes()
	if err != nil {
		return err
	}
	c.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, payload))
	return nil
}

// Verify validates the signature against the included public key.
func (c Command) Verify() error {
	if err := c.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := c.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type LeasePayload struct {
	EntityID string        `json:"entity_id"`
	Duration time.Duration `json:"duration"`
}

type LeaseNextPayload struct {
	Max      int                  `json:"max"`
	Criteria negotiation.Criteria `json:"criteria"`
	Duration time.Duration        `json:"duration"`
}

type SavePayload struct {
	Negotiation negotiation.Snapshot `json:"negotiation"`
}

type EntityPayload struct {
	EntityID string `json:"entity_id"`
}
