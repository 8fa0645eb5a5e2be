package alerts

import (
	"context"
	"fmt"
	"log/slog"

	"printwatch/internal/model"
	"printwatch/internal/storage"
)

// DefaultRules are seeded into an empty rule table.
func DefaultRules() []model.AlertRule {
	return []model.AlertRule{
		{
			Name:            "Print Completed",
			Enabled:         true,
			ConditionType:   model.ConditionStateChange,
			ConditionConfig: `{"states":["FINISH"]}`,
			NotifyVia:       model.NotifyConsole,
			NotifyConfig:    "{}",
			CooldownSec:     60,
		},
		{
			Name:            "Print Failed",
			Enabled:         true,
			ConditionType:   model.ConditionStateChange,
			ConditionConfig: `{"states":["FAILED"]}`,
			NotifyVia:       model.NotifyConsole,
			NotifyConfig:    "{}",
			CooldownSec:     60,
		},
		{
			Name:            "HMS Error",
			Enabled:         true,
			ConditionType:   model.ConditionHMSError,
			ConditionConfig: "{}",
			NotifyVia:       model.NotifyConsole,
			NotifyConfig:    "{}",
			CooldownSec:     300,
		},
	}
}

// EnsureDefaults seeds DefaultRules when seed is set and storage holds no
// rules, then creates or updates each configured rule by name.
func EnsureDefaults(ctx context.Context, store storage.Store, configured []model.AlertRule, seed bool, logger *slog.Logger) error {
	existing, err := store.ListAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}
	if len(existing) == 0 && seed {
		if logger != nil {
			logger.Info("creating default alert rules")
		}
		for _, r := range DefaultRules() {
			id, err := store.CreateAlertRule(ctx, r)
			if err != nil {
				return fmt.Errorf("create default rule %q: %w", r.Name, err)
			}
			r.ID = id
			existing = append(existing, r)
		}
	}

	byName := make(map[string]model.AlertRule, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}
	for _, r := range configured {
		if _, err := ParseRule(r); err != nil {
			if logger != nil {
				logger.Warn("skipping invalid configured rule", "rule", r.Name, "err", err)
			}
			continue
		}
		if cur, ok := byName[r.Name]; ok {
			r.ID = cur.ID
			if err := store.UpdateAlertRule(ctx, r); err != nil {
				return fmt.Errorf("update rule %q: %w", r.Name, err)
			}
			continue
		}
		if _, err := store.CreateAlertRule(ctx, r); err != nil {
			return fmt.Errorf("create rule %q: %w", r.Name, err)
		}
	}
	return nil
}
