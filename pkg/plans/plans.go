// Package plans holds the static subscription plan catalog. Plans are
// loaded once at startup, either from a YAML file or from the compiled-in
// defaults, and are read-only afterwards.
package plans

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Plan describes a purchasable access window.
type Plan struct {
	ID            string        `yaml:"id" json:"id"`
	Label         string        `yaml:"label" json:"label"`
	Currency      string        `yaml:"currency" json:"currency"`
	Price         int64         `yaml:"price" json:"price"` // major currency units
	Hours         int           `yaml:"hours" json:"hours"`
	RequiresPhone bool          `yaml:"requires_phone" json:"requires_phone"`
}

// Duration returns the access window as a time.Duration.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.Hours) * time.Hour
}

// AmountMinor returns the price in minor currency units (cents),
// the unit the payment gateway expects.
func (p Plan) AmountMinor() int64 {
	return p.Price * 100
}

// Catalog is an immutable plan-id -> Plan mapping.
type Catalog struct {
	plans map[string]Plan
	order []string
}

// ErrNotFound is returned by Lookup for an unknown plan id.
var ErrNotFound = fmt.Errorf("plan not found")

// DefaultCatalog returns the compiled-in plan set.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Plan{
		{ID: "kenya", Label: "12 Hours - KSh 60", Currency: "KES", Price: 60, Hours: 12, RequiresPhone: true},
		{ID: "daily", Label: "1 Day - KSh 100", Currency: "KES", Price: 100, Hours: 24, RequiresPhone: true},
		{ID: "weekly", Label: "1 Week - KSh 500", Currency: "KES", Price: 500, Hours: 168, RequiresPhone: true},
		{ID: "monthly", Label: "1 Month - KSh 1500", Currency: "KES", Price: 1500, Hours: 720, RequiresPhone: true},
		{ID: "international", Label: "12 Hours - $20 International", Currency: "USD", Price: 20, Hours: 12, RequiresPhone: false},
	})
}

// NewCatalog builds a catalog from a plan list, preserving order for menus.
func NewCatalog(list []Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(list))}
	for _, p := range list {
		if _, dup := c.plans[p.ID]; dup {
			continue
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c
}

// LoadFile reads a plan catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file: %w", err)
	}
	var list []Plan
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse plans file: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("plans file %s defines no plans", path)
	}
	for _, p := range list {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("invalid plan %q: %w", p.ID, err)
		}
	}
	return NewCatalog(list), nil
}

func validate(p Plan) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if p.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	if p.Hours <= 0 {
		return fmt.Errorf("hours must be positive")
	}
	return nil
}

// Lookup returns the plan for the given id.
func (c *Catalog) Lookup(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns all plans in declaration order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// IDs returns the plan ids sorted alphabetically.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
