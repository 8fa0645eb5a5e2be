// Package notify delivers fired alerts to their configured channels.
package notify

import (
	"context"
	"log/slog"

	"printwatch/internal/model"
)

// Payload is what every channel receives for one fired alert.
type Payload struct {
	RuleName    string         `json:"ruleName"`
	DeviceID    string         `json:"deviceId"`
	PrinterName string         `json:"printerName"`
	Severity    model.Severity `json:"severity"`
	Message     string         `json:"message"`
}

type Notifier interface {
	Notify(ctx context.Context, p Payload) error
}

// Console writes alerts to the process log.
type Console struct {
	Logger *slog.Logger
}

func (c Console) Notify(ctx context.Context, p Payload) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("ALERT: "+p.Message,
		"rule", p.RuleName,
		"device_id", p.DeviceID,
		"printer", p.PrinterName,
		"severity", p.Severity,
	)
	return nil
}
