package negotiation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Policy is the usage policy attached to an offer or agreement.
// Constraints are boolean expressions evaluated by the policy engine.
type Policy struct {
	Permissions []string `json:"permissions,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// ContractOffer is one offer exchanged during a negotiation.
type ContractOffer struct {
	ID         string    `json:"id"`
	AssetID    string    `json:"assetId"`
	ProviderID string    `json:"providerId"`
	Policy     Policy    `json:"policy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Validate checks required offer fields.
func (o ContractOffer) Validate() error {
	var errs []error
	if strings.TrimSpace(o.ID) == "" {
		errs = append(errs, errors.New("offer id is required"))
	}
	if strings.TrimSpace(o.AssetID) == "" {
		errs = append(errs, errors.New("offer assetId is required"))
	}
	return errors.Join(errs...)
}

// ContractAgreement is the finalized agreement of a negotiation. It is stored
// separately from the negotiation and referenced by id.
type ContractAgreement struct {
	ID          string `json:"id"`
	ProviderID  string `json:"providerId"`
	ConsumerID  string `json:"consumerId"`
	AssetID     string `json:"assetId"`
	Policy      Policy `json:"policy"`
	SigningDate int64  `json:"signingDate"`
}

// Validate checks required agreement fields.
func (a ContractAgreement) Validate() error {
	var errs []error
	if strings.TrimSpace(a.ID) == "" {
		errs = append(errs, errors.New("agreement id is required"))
	}
	if strings.TrimSpace(a.AssetID) == "" {
		errs = append(errs, errors.New("agreement assetId is required"))
	}
	if strings.TrimSpace(a.ProviderID) == "" {
		errs = append(errs, errors.New("agreement providerId is required"))
	}
	if strings.TrimSpace(a.ConsumerID) == "" {
		errs = append(errs, errors.New("agreement consumerId is required"))
	}
	return errors.Join(errs...)
}

// Hash returns the hex SHA3-256 digest of the agreement's canonical JSON form.
// Both parties compare it during verification.
func (a ContractAgreement) Hash() string {
	data, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CallbackAddress is an endpoint interested in negotiation events.
type CallbackAddress struct {
	URI           string   `json:"uri"`
	Events        []string `json:"events,omitempty"`
	Transactional bool     `json:"transactional"`
}

// ProtocolMessages tracks message ids exchanged with the counterparty.
type ProtocolMessages struct {
	LastSent string   `json:"lastSent,omitempty"`
	Received []string `json:"received,omitempty"`
}

// IsAlreadyReceived reports whether the message id was processed before.
func (p ProtocolMessages) IsAlreadyReceived(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range p.Received {
		if r == id {
			return true
		}
	}
	return false
}
