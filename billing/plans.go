package billing

import "fmt"

// PlanFreeID identifies the default tier. A subscription record with no plan
// maps to it.
const PlanFreeID = "free"

// Plan represents a subscription tier and the authorization group its members
// belong to.
type Plan struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Group    string   `json:"group" yaml:"group"`
	PriceIDs []string `json:"price_ids,omitempty" yaml:"price_ids,omitempty"`
}

// Predefined plans used when no plan table is configured.
var (
	PlanFree = Plan{
		ID:    PlanFreeID,
		Name:  "Free",
		Group: "free-tier",
	}

	PlanCreator = Plan{
		ID:       "creator",
		Name:     "Creator",
		Group:    "creator-tier",
		PriceIDs: []string{"price_creator_monthly", "price_creator_yearly"},
	}

	PlanPro = Plan{
		ID:       "pro",
		Name:     "Pro",
		Group:    "pro-tier",
		PriceIDs: []string{"price_pro_monthly", "price_pro_yearly"},
	}

	// DefaultPlans is the ordered list of built-in plans.
	DefaultPlans = []Plan{PlanFree, PlanCreator, PlanPro}
)

// PlanTable is a static, pre-loaded lookup of plans by id and by provider
// price id. It is safe for concurrent reads once built.
type PlanTable struct {
	plans   []Plan
	byID    map[string]Plan
	byPrice map[string]Plan
	free    Plan
}

// NewPlanTable builds a plan table. Exactly one plan must have PlanFreeID, and
// price ids must be unique across plans.
func NewPlanTable(plans []Plan) (*PlanTable, error) {
	t := &PlanTable{
		byID:    make(map[string]Plan, len(plans)),
		byPrice: make(map[string]Plan),
	}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("billing: plan with empty id")
		}
		if p.Group == "" {
			return nil, fmt.Errorf("billing: plan %q has no group", p.ID)
		}
		if _, dup := t.byID[p.ID]; dup {
			return nil, fmt.Errorf("billing: duplicate plan %q", p.ID)
		}
		t.byID[p.ID] = p
		for _, price := range p.PriceIDs {
			if other, dup := t.byPrice[price]; dup {
				return nil, fmt.Errorf("billing: price %q mapped to both %q and %q", price, other.ID, p.ID)
			}
			t.byPrice[price] = p
		}
		t.plans = append(t.plans, p)
	}
	free, ok := t.byID[PlanFreeID]
	if !ok {
		return nil, fmt.Errorf("billing: plan table has no %q plan", PlanFreeID)
	}
	t.free = free
	return t, nil
}

// DefaultPlanTable returns a table built from DefaultPlans.
func DefaultPlanTable() *PlanTable {
	t, err := NewPlanTable(DefaultPlans)
	if err != nil {
		panic(err)
	}
	return t
}

// Plans returns the plans in table order.
func (t *PlanTable) Plans() []Plan {
	out := make([]Plan, len(t.plans))
	copy(out, t.plans)
	return out
}

// ByID looks up a plan by its identifier. Returns nil if not found.
func (t *PlanTable) ByID(id string) *Plan {
	p, ok := t.byID[id]
	if !ok {
		return nil
	}
	return &p
}

// ByPriceID looks up the plan a provider price belongs to. Returns nil if the
// price is unknown.
func (t *PlanTable) ByPriceID(priceID string) *Plan {
	p, ok := t.byPrice[priceID]
	if !ok {
		return nil
	}
	return &p
}

// GroupFor returns the authorization group for a plan id. A nil plan id, the
// free plan and unknown ids all map to the free group.
func (t *PlanTable) GroupFor(planID *string) string {
	if planID == nil {
		return t.free.Group
	}
	if p, ok := t.byID[*planID]; ok {
		return p.Group
	}
	return t.free.Group
}

// IsFree reports whether a plan id refers to the free tier.
func IsFree(planID *string) bool {
	return planID == nil || *planID == "" || *planID == PlanFreeID
}
