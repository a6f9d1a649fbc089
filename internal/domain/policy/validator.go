package policy

import (
	"context"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

// Result is the outcome of a policy validation.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func Accept() Result { return Result{Valid: true} }

func Reject(reason string) Result { return Result{Reason: reason} }

// Validator checks offers and agreements against local policy.
type Validator interface {
	ValidateInitialOffer(ctx context.Context, counterPartyID string, offer negotiation.ContractOffer) Result
	ValidateAgreement(ctx context.Context, counterPartyID string, agreement negotiation.ContractAgreement) Result
}
