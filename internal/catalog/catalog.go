// internal/catalog/catalog.go
package catalog

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cpetscm/internal/database"
)

// RuleSource is the read side of the rule catalog.
type RuleSource interface {
	GetRules(ctx context.Context, filters database.RuleFilters) ([]database.Rule, error)
}

// Accessor resolves the active rule set for a device.
type Accessor struct {
	rules RuleSource
}

func NewAccessor(rules RuleSource) *Accessor {
	return &Accessor{rules: rules}
}

// SelectRules returns the active rules that apply to vendor, service and
// model. When selected is non-empty only the rule with that key is returned.
//
// A model with device specific rules gets every active rule of the vendor
// and service except the parents those rules replace. Rules for other
// models are not filtered out here. Any other model gets the baseline rules,
// those that replace nothing.
func (a *Accessor) SelectRules(ctx context.Context, vendor, service, model, selected string) ([]database.Rule, error) {
	active := true
	scope := database.RuleFilters{
		Vendor:          vendor,
		BusinessService: service,
		Active:          &active,
	}

	if selected != "" {
		scope.Key = selected
		rules, err := a.rules.GetRules(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load check %s: %w", selected, err)
		}
		if len(rules) > 1 {
			logrus.WithFields(logrus.Fields{
				"check":   selected,
				"vendor":  vendor,
				"service": service,
				"matches": len(rules),
			}).Warn("Selected check matches several rules, using the first")
			rules = rules[:1]
		}
		return rules, nil
	}

	if model == "" {
		model = database.AllModels
	}

	specific := scope
	specific.DeviceModel = model
	deviceSpecific, err := a.rules.GetRules(ctx, specific)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for model %s: %w", model, err)
	}

	if len(deviceSpecific) > 0 && model != database.AllModels {
		superseded := make(map[string]struct{}, len(deviceSpecific))
		for _, r := range deviceSpecific {
			superseded[r.ReplacesParentCheck] = struct{}{}
		}

		all, err := a.rules.GetRules(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}

		selection := make([]database.Rule, 0, len(all))
		for _, r := range all {
			if _, ok := superseded[r.Key]; ok {
				continue
			}
			selection = append(selection, r)
		}
		return selection, nil
	}

	baseline := scope
	baseline.ReplacesParentCheck = database.NoParent
	rules, err := a.rules.GetRules(ctx, baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline rules: %w", err)
	}
	return rules, nil
}
