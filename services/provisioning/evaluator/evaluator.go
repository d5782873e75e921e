package evaluator

import (
	"context"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/repo"
	"go.uber.org/zap"
)

// Evaluator resolves offer parameter expressions for a subscription and
// caches the results as subscription parameters.
type Evaluator struct {
	logger       *zap.Logger
	parameters   repo.SubscriptionParameterRepo
	ips          IpAllocator
	randomString func(length int) string
}

func New(logger *zap.Logger, parameters repo.SubscriptionParameterRepo, ips IpAllocator) *Evaluator {
	return &Evaluator{
		logger:       logger.Named("evaluator"),
		parameters:   parameters,
		ips:          ips,
		randomString: randomString,
	}
}

// NewContext builds the context for one operation: the reserved names plus
// every parameter already cached for the subscription.
func (e *Evaluator) NewContext(ctx context.Context, offerName, owner string, subscriptionID uuid.UUID, planName, operationType string) (*ProvisioningContext, error) {
	pc := newProvisioningContext(offerName, owner, subscriptionID, planName, operationType)

	cached, err := e.parameters.List(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list subscription parameters: %w", err)
	}
	for _, p := range cached {
		if _, ok := pc.Parameters[p.Name]; ok {
			continue
		}
		v, err := decodeValue(p.Value, p.Type)
		if err != nil {
			return nil, fmt.Errorf("decode cached parameter %s: %w", p.Name, err)
		}
		pc.Parameters[p.Name] = v
	}
	return pc, nil
}

// Evaluate compiles and runs one expression against pc.
func (e *Evaluator) Evaluate(ctx context.Context, pc *ProvisioningContext, name, expression string) (any, error) {
	env := map[string]any{
		parametersIdentifier: pc.Parameters,
	}
	opts := append([]expr.Option{expr.Env(env)}, e.functions(ctx)...)

	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("can not evaluate expression %s for parameter %s: %w", expression, name, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate parameter %s: %w", name, err)
	}
	return out, nil
}

// EvaluateAll resolves parameters in dependency order into pc. Names that
// pc already holds are not evaluated again, so allocations made by an
// earlier run are reused. Newly resolved values are cached.
func (e *Evaluator) EvaluateAll(ctx context.Context, pc *ProvisioningContext, parameters map[string]string) error {
	for name := range parameters {
		if IsReservedParameterName(name) {
			return fmt.Errorf("parameter name %s is reserved", name)
		}
	}

	order, err := SortParameters(parameters, pc.Parameters)
	if err != nil {
		return err
	}

	var resolved []string
	for _, name := range order {
		if _, ok := pc.Parameters[name]; ok {
			continue
		}
		v, err := e.Evaluate(ctx, pc, name, parameters[name])
		if err != nil {
			return err
		}
		pc.Parameters[name] = v
		resolved = append(resolved, name)
	}

	sort.Strings(resolved)
	stale := false
	for _, name := range resolved {
		value, typ := encodeValue(pc.Parameters[name])
		created, err := e.parameters.CreateIfNotExists(ctx, &model.SubscriptionParameter{
			SubscriptionID: pc.SubscriptionID,
			Name:           name,
			Value:          value,
			Type:           typ,
		})
		if err != nil {
			return fmt.Errorf("cache parameter %s: %w", name, err)
		}
		if !created {
			e.logger.Debug("parameter already cached",
				zap.String("subscription_id", pc.SubscriptionID.String()),
				zap.String("parameter", name))
			stale = true
		}
	}

	if stale {
		if err := e.reloadCached(ctx, pc); err != nil {
			return err
		}
	}

	e.logger.Info("evaluated parameters",
		zap.String("subscription_id", pc.SubscriptionID.String()),
		zap.Int("resolved", len(resolved)),
		zap.Int("total", len(parameters)))
	return nil
}

// reloadCached replaces values in pc with the cached ones, which win when
// another run stored the same name first.
func (e *Evaluator) reloadCached(ctx context.Context, pc *ProvisioningContext) error {
	cached, err := e.parameters.List(ctx, pc.SubscriptionID)
	if err != nil {
		return fmt.Errorf("list subscription parameters: %w", err)
	}
	for _, p := range cached {
		if IsReservedParameterName(p.Name) {
			continue
		}
		v, err := decodeValue(p.Value, p.Type)
		if err != nil {
			return fmt.Errorf("decode cached parameter %s: %w", p.Name, err)
		}
		pc.Parameters[p.Name] = v
	}
	return nil
}
