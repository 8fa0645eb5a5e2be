package alerts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"printwatch/internal/model"
	"printwatch/internal/notify"
)

var (
	ErrUnknownCondition = errors.New("unknown condition type")
	ErrUnknownChannel   = errors.New("unknown notify channel")
)

// Condition is one of StateChange, HMSError, TempAnomaly, TempThreshold or
// ProgressStall.
type Condition interface {
	Type() model.ConditionType
}

type StateChange struct {
	States []model.GcodeState
}

type HMSError struct{}

type TempAnomaly struct {
	DeviationDeg float64
}

type TempThreshold struct {
	Sensor string
	Above  bool
	Value  float64
}

type ProgressStall struct {
	Minutes float64
}

func (StateChange) Type() model.ConditionType   { return model.ConditionStateChange }
func (HMSError) Type() model.ConditionType      { return model.ConditionHMSError }
func (TempAnomaly) Type() model.ConditionType   { return model.ConditionTempAnomaly }
func (TempThreshold) Type() model.ConditionType { return model.ConditionTempThreshold }
func (ProgressStall) Type() model.ConditionType { return model.ConditionProgressStall }

// Channel is ConsoleChannel or WebhookChannel.
type Channel interface {
	Via() model.NotifyChannel
}

type ConsoleChannel struct{}

type WebhookChannel struct {
	URL    string
	Format string
}

func (ConsoleChannel) Via() model.NotifyChannel { return model.NotifyConsole }
func (WebhookChannel) Via() model.NotifyChannel { return model.NotifyWebhook }

// Rule is a stored rule with its condition and channel decoded.
type Rule struct {
	model.AlertRule
	Condition Condition
	Channel   Channel
}

// ParseRule decodes the rule's condition and channel configuration.
func ParseRule(r model.AlertRule) (Rule, error) {
	cond, err := parseCondition(r.ConditionType, r.ConditionConfig)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	ch, err := parseChannel(r.NotifyVia, r.NotifyConfig)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return Rule{AlertRule: r, Condition: cond, Channel: ch}, nil
}

func decode(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func parseCondition(kind model.ConditionType, raw string) (Condition, error) {
	switch kind {
	case model.ConditionStateChange:
		var cfg struct {
			States []string `json:"states"`
		}
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		if len(cfg.States) == 0 {
			return StateChange{States: []model.GcodeState{model.StateFinish, model.StateFailed}}, nil
		}
		out := StateChange{States: make([]model.GcodeState, 0, len(cfg.States))}
		for _, raw := range cfg.States {
			st := model.ParseGcodeState(strings.ToUpper(raw))
			if st == model.StateUnknown && !strings.EqualFold(raw, string(model.StateUnknown)) {
				return nil, fmt.Errorf("unknown state %q", raw)
			}
			out.States = append(out.States, st)
		}
		return out, nil

	case model.ConditionHMSError:
		if err := decode(raw, &struct{}{}); err != nil {
			return nil, err
		}
		return HMSError{}, nil

	case model.ConditionTempAnomaly:
		var cfg struct {
			DeviationDeg float64 `json:"deviationDeg"`
		}
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.DeviationDeg <= 0 {
			cfg.DeviationDeg = 10
		}
		return TempAnomaly{DeviationDeg: cfg.DeviationDeg}, nil

	case model.ConditionTempThreshold:
		var cfg struct {
			Sensor   string   `json:"sensor"`
			Operator string   `json:"operator"`
			Value    *float64 `json:"value"`
		}
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		switch cfg.Sensor {
		case "nozzle", "nozzle2", "bed", "chamber":
		default:
			return nil, fmt.Errorf("unknown sensor %q", cfg.Sensor)
		}
		if cfg.Value == nil {
			return nil, errors.New("threshold value is required")
		}
		out := TempThreshold{Sensor: cfg.Sensor, Value: *cfg.Value}
		switch cfg.Operator {
		case "above", ">":
			out.Above = true
		case "below", "<":
		default:
			return nil, fmt.Errorf("unknown operator %q", cfg.Operator)
		}
		return out, nil

	case model.ConditionProgressStall:
		var cfg struct {
			Minutes float64 `json:"minutes"`
		}
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.Minutes <= 0 {
			cfg.Minutes = 15
		}
		return ProgressStall{Minutes: cfg.Minutes}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, kind)
}

func parseChannel(via model.NotifyChannel, raw string) (Channel, error) {
	switch via {
	case model.NotifyConsole, "":
		return ConsoleChannel{}, nil
	case model.NotifyWebhook:
		var cfg struct {
			URL    string `json:"url"`
			Format string `json:"format"`
		}
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, errors.New("webhook url is required")
		}
		if !notify.ValidFormat(cfg.Format) {
			return nil, fmt.Errorf("%w: %q", notify.ErrUnknownFormat, cfg.Format)
		}
		return WebhookChannel{URL: cfg.URL, Format: cfg.Format}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, via)
}
