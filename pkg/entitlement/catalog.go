package entitlement

import (
	"fmt"
	"strings"
)

const (
	mebibyte = int64(1) << 20
	gibibyte = int64(1) << 30
)

// DefaultPlans returns the reference plan table, cheapest first.
func DefaultPlans() []Plan {
	return []Plan{
		{
			Type: PlanFree,
			Name: "Free",
			Limits: Limits{
				MaxQuizzes:           3,
				MaxQuestionsPerQuiz:  10,
				MaxResponsesPerMonth: 100,
				MaxStorageBytes:      50 * mebibyte,
			},
			Features: map[Feature]bool{},
		},
		{
			Type: PlanPro,
			Name: "Pro",
			Limits: Limits{
				MaxQuizzes:           50,
				MaxQuestionsPerQuiz:  50,
				MaxResponsesPerMonth: 10000,
				MaxStorageBytes:      5 * gibibyte,
			},
			Features: map[Feature]bool{
				FeatureCustomBranding:  true,
				FeatureCSVExport:       true,
				FeatureTrackingPixels:  true,
				FeatureRemoveWatermark: true,
			},
		},
		{
			Type: PlanPremium,
			Name: "Premium",
			Limits: Limits{
				MaxQuizzes:           Unlimited,
				MaxQuestionsPerQuiz:  Unlimited,
				MaxResponsesPerMonth: Unlimited,
				MaxStorageBytes:      Unlimited,
			},
			Features: map[Feature]bool{
				FeatureCustomBranding:    true,
				FeatureCSVExport:         true,
				FeatureAdvancedAnalytics: true,
				FeatureTrackingPixels:    true,
				FeatureRemoveWatermark:   true,
				FeatureLeadWebhooks:      true,
			},
		},
	}
}

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	// Plans overrides the plan table (default: DefaultPlans). Order is
	// ascending by price; the first plan is the most restrictive.
	Plans []Plan

	// PriceMapping maps billing-provider price identifiers to plans
	PriceMapping map[string]PlanType

	// Logger is used for configuration alerts (default: NoopLogger)
	Logger Logger

	// Metrics records configuration alerts (default: NoopMetrics)
	Metrics Metrics
}

// Catalog is the static plan table plus the price-to-plan mapping.
// It performs no I/O and is safe for concurrent use.
type Catalog struct {
	plans   []Plan
	byType  map[PlanType]int
	prices  map[string]PlanType
	logger  Logger
	metrics Metrics
}

// NewCatalog builds a catalog and validates the price mapping against it.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	plans := cfg.Plans
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	c := &Catalog{
		plans:   make([]Plan, len(plans)),
		byType:  make(map[PlanType]int, len(plans)),
		prices:  make(map[string]PlanType, len(cfg.PriceMapping)),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	for i, p := range plans {
		if p.Type == "" {
			return nil, &ValidationError{Field: "plans", Reason: fmt.Sprintf("plan at index %d has no type", i)}
		}
		if _, dup := c.byType[p.Type]; dup {
			return nil, &ValidationError{Field: "plans", Reason: fmt.Sprintf("duplicate plan %q", p.Type)}
		}
		if err := validateLimits(p); err != nil {
			return nil, err
		}
		features := make(map[Feature]bool, len(p.Features))
		for f, on := range p.Features {
			features[f] = on
		}
		p.Features = features
		c.plans[i] = p
		c.byType[p.Type] = i
	}

	for priceID, planType := range cfg.PriceMapping {
		id := strings.TrimSpace(priceID)
		if id == "" {
			return nil, &ValidationError{Field: "priceMapping", Reason: "empty price id"}
		}
		if _, ok := c.byType[planType]; !ok {
			return nil, &UnknownPlanError{Plan: planType}
		}
		c.prices[id] = planType
	}

	return c, nil
}

func validateLimits(p Plan) error {
	for _, r := range []Resource{ResourceQuizzes, ResourceQuestions, ResourceStorage, ResourceResponses} {
		if l := p.Limits.For(r); l < Unlimited {
			return &ValidationError{
				Field:  "plans",
				Reason: fmt.Sprintf("plan %q has negative %s limit %d", p.Type, r, l),
			}
		}
	}
	return nil
}

// GetPlan returns the plan for t or an *UnknownPlanError.
func (c *Catalog) GetPlan(t PlanType) (Plan, error) {
	i, ok := c.byType[t]
	if !ok {
		return Plan{}, &UnknownPlanError{Plan: t}
	}
	return c.plans[i], nil
}

// Plans returns all plans, cheapest first.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// BasePlan returns the most restrictive plan.
func (c *Catalog) BasePlan() Plan {
	return c.plans[0]
}

// Rank returns the position of t in price order, or -1 when unknown.
func (c *Catalog) Rank(t PlanType) int {
	i, ok := c.byType[t]
	if !ok {
		return -1
	}
	return i
}

// MapExternalPriceToPlan resolves a billing price identifier.
//
// An unmapped price never falls through to a paid plan: the base plan is
// returned together with an *UnmappedPriceError, and the defect is logged as
// an alert. Callers that can proceed on the restrictive plan may do so.
func (c *Catalog) MapExternalPriceToPlan(priceID string) (PlanType, error) {
	id := strings.TrimSpace(priceID)
	if t, ok := c.prices[id]; ok {
		return t, nil
	}

	base := c.BasePlan().Type
	c.logger.Error("unmapped billing price, falling back to base plan",
		Field{"priceId", priceID},
		Field{"fallbackPlan", string(base)},
		Field{"alert", true},
	)
	c.metrics.RecordConfigurationAlert("unmapped_price")
	return base, &UnmappedPriceError{PriceID: priceID}
}

// MapPriceIDs resolves the plan for a multi-item subscription: the highest
// ranked mapped plan wins. If no item maps, the base plan is returned with
// the first *UnmappedPriceError.
func (c *Catalog) MapPriceIDs(priceIDs []string) (PlanType, error) {
	best := -1
	var firstErr error
	for _, id := range priceIDs {
		t, err := c.MapExternalPriceToPlan(id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if r := c.Rank(t); r > best {
			best = r
		}
	}
	if best < 0 {
		if firstErr == nil {
			firstErr = &UnmappedPriceError{}
		}
		return c.BasePlan().Type, firstErr
	}
	return c.plans[best].Type, nil
}

// CheapestPlanAllowing returns the cheapest plan ranked above current whose
// limit for r admits need units. ok is false when no such plan exists.
func (c *Catalog) CheapestPlanAllowing(current PlanType, r Resource, need int64) (PlanType, bool) {
	for i := c.Rank(current) + 1; i < len(c.plans); i++ {
		if withinLimit(c.plans[i].Limits.For(r), need) {
			return c.plans[i].Type, true
		}
	}
	return "", false
}

// Recommend returns the cheapest plan above the snapshot's plan that has
// headroom on every resource, or nil when the current plan still has
// headroom everywhere or no higher plan fits.
func (c *Catalog) Recommend(s *UsageSnapshot) *Plan {
	suffices := true
	for _, r := range UsageResources {
		if s.Get(r).AtOrOverLimit() {
			suffices = false
			break
		}
	}
	if suffices {
		return nil
	}

	for i := c.Rank(s.Plan) + 1; i < len(c.plans); i++ {
		p := c.plans[i]
		fits := true
		for _, r := range UsageResources {
			if !withinLimit(p.Limits.For(r), s.Get(r).Current+1) {
				fits = false
				break
			}
		}
		if fits {
			plan := p
			return &plan
		}
	}
	return nil
}

func withinLimit(limit, need int64) bool {
	return limit == Unlimited || need <= limit
}
