package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	domainpolicy "github.com/negotiation-hub/negotiation-hub/internal/domain/policy"
)

var _ domainpolicy.Validator = (*Engine)(nil)

// Config holds the static parameters visible to every constraint and an
// optional allow list of counterparties. An empty list allows everyone.
type Config struct {
	Params                map[string]interface{}
	AllowedCounterParties []string
}

// Engine validates offers and agreements by evaluating each policy
// constraint as a boolean govaluate expression. Constraints see the static
// parameters plus counterPartyId, assetId, providerId, consumerId,
// permissions and now (unix seconds).
type Engine struct {
	params  map[string]interface{}
	allowed map[string]struct{}
	clock   func() time.Time
	logger  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*govaluate.EvaluableExpression
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	e := &Engine{
		params: map[string]interface{}{},
		clock:  time.Now,
		logger: logger.With().Str("service", "policy").Logger(),
		cache:  map[string]*govaluate.EvaluableExpression{},
	}
	for k, v := range cfg.Params {
		e.params[k] = v
	}
	if len(cfg.AllowedCounterParties) > 0 {
		e.allowed = map[string]struct{}{}
		for _, id := range cfg.AllowedCounterParties {
			e.allowed[strings.TrimSpace(id)] = struct{}{}
		}
	}
	return e
}

func (e *Engine) ValidateInitialOffer(ctx context.Context, counterPartyID string, offer negotiation.ContractOffer) domainpolicy.Result {
	if err := offer.Validate(); err != nil {
		return domainpolicy.Reject(err.Error())
	}
	params := e.baseParams(counterPartyID, offer.AssetID, offer.Policy)
	params["providerId"] = offer.ProviderID
	return e.evaluate(counterPartyID, "offer "+offer.ID, offer.Policy, params)
}

func (e *Engine) ValidateAgreement(ctx context.Context, counterPartyID string, agreement negotiation.ContractAgreement) domainpolicy.Result {
	if err := agreement.Validate(); err != nil {
		return domainpolicy.Reject(err.Error())
	}
	params := e.baseParams(counterPartyID, agreement.AssetID, agreement.Policy)
	params["providerId"] = agreement.ProviderID
	params["consumerId"] = agreement.ConsumerID
	params["signingDate"] = float64(agreement.SigningDate)
	return e.evaluate(counterPartyID, "agreement "+agreement.ID, agreement.Policy, params)
}

func (e *Engine) baseParams(counterPartyID, assetID string, p negotiation.Policy) map[string]interface{} {
	params := make(map[string]interface{}, len(e.params)+6)
	for k, v := range e.params {
		params[k] = v
	}
	permissions := make([]interface{}, 0, len(p.Permissions))
	for _, perm := range p.Permissions {
		permissions = append(permissions, perm)
	}
	params["counterPartyId"] = counterPartyID
	params["assetId"] = assetID
	params["permissions"] = permissions
	params["now"] = float64(e.clock().Unix())
	return params
}

func (e *Engine) evaluate(counterPartyID, subject string, p negotiation.Policy, params map[string]interface{}) domainpolicy.Result {
	if e.allowed != nil {
		if _, ok := e.allowed[counterPartyID]; !ok {
			return domainpolicy.Reject(fmt.Sprintf("counterparty %s is not allowed", counterPartyID))
		}
	}
	for _, constraint := range p.Constraints {
		ok, err := e.check(constraint, params)
		if err != nil {
			e.logger.Warn().Err(err).Str("subject", subject).Str("constraint", constraint).Msg("policy constraint failed to evaluate")
			return domainpolicy.Reject(fmt.Sprintf("constraint %q: %v", constraint, err))
		}
		if !ok {
			return domainpolicy.Reject(fmt.Sprintf("constraint %q not satisfied", constraint))
		}
	}
	return domainpolicy.Accept()
}

func (e *Engine) check(constraint string, params map[string]interface{}) (bool, error) {
	cond := strings.TrimSpace(constraint)
	switch strings.ToLower(cond) {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	expr, err := e.compile(cond)
	if err != nil {
		return false, err
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("constraint did not evaluate to boolean")
	}
	return v, nil
}

func (e *Engine) compile(cond string) (*govaluate.EvaluableExpression, error) {
	e.mu.RLock()
	expr, ok := e.cache[cond]
	e.mu.RUnlock()
	if ok {
		return expr, nil
	}
	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[cond] = expr
	e.mu.Unlock()
	return expr, nil
}
