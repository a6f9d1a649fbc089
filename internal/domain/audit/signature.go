package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"time"
)

type signaturePayload struct {
	ID              string `json:"id"`
	NegotiationID   string `json:"negotiationId"`
	NegotiationType string `json:"negotiationType"`
	CorrelationID   string `json:"correlationId"`
	CounterPartyID  string `json:"counterPartyId"`
	Event           string `json:"event"`
	State           int    `json:"state"`
	ErrorDetail     string `json:"errorDetail,omitempty"`
	AgreementID     string `json:"agreementId,omitempty"`
	KeyID           string `json:"keyId,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

func buildSignaturePayload(e *Entry) signaturePayload {
	return signaturePayload{
		ID:              e.ID,
		NegotiationID:   e.NegotiationID,
		NegotiationType: string(e.NegotiationType),
		CorrelationID:   e.CorrelationID,
		CounterPartyID:  e.CounterPartyID,
		Event:           string(e.Event),
		State:           e.State.Code(),
		ErrorDetail:     e.ErrorDetail,
		AgreementID:     e.AgreementID,
		KeyID:           e.KeyID,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Sign sets the entry's key id and its HMAC-SHA256 signature.
func Sign(e *Entry, keyID string, key []byte) error {
	e.KeyID = keyID
	sig, err := signature(e, key)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Verify reports whether the entry's signature matches key.
func Verify(e *Entry, key []byte) (bool, error) {
	if len(e.Signature) == 0 {
		return false, nil
	}
	expected, err := signature(e, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, e.Signature), nil
}

func signature(e *Entry, key []byte) ([]byte, error) {
	data, err := json.Marshal(buildSignaturePayload(e))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}
