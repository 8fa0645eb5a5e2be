// Package hms formats and describes printer health-management codes.
package hms

import (
	"fmt"

	"printwatch/internal/model"
)

var descriptions = map[string]string{
	"0700_0100_0001_0001": "AMS1 Slot1: filament runout",
	"0700_0100_0001_0002": "AMS1 Slot2: filament runout",
	"0700_0100_0001_0003": "AMS1 Slot3: filament runout",
	"0700_0100_0001_0004": "AMS1 Slot4: filament runout",
	"0700_0200_0002_0001": "AMS1: filament may be tangled or stuck",
	"0700_0400_0002_0001": "AMS1: RFID read failure",
	"0700_0100_0003_0001": "AMS1: retraction motor overloaded",
	"0700_0100_0003_0002": "AMS1: filament cutter failure",

	"0300_0100_0001_0001": "Nozzle temperature malfunction",
	"0300_0100_0001_0002": "Nozzle temperature abnormal",
	"0300_0200_0001_0001": "Nozzle heater short circuit",
	"0300_0300_0001_0001": "Nozzle heater open circuit",
	"0300_0100_0002_0001": "Nozzle clog detected",
	"0300_0100_0003_0001": "Filament broken or missing in extruder",

	"0500_0100_0001_0001": "Bed temperature malfunction",
	"0500_0200_0001_0001": "Bed heater short circuit",
	"0500_0300_0001_0001": "Bed heater open circuit",
	"0500_0100_0002_0001": "Chamber temperature anomaly",

	"0100_0100_0001_0001": "System error: firmware update recommended",
	"0100_0300_0001_0001": "Motor driver overheat",
	"0100_0100_0002_0001": "WiFi connection lost",
	"0100_0100_0003_0001": "SD card error",

	"0C00_0100_0001_0001": "First layer inspection failed",
	"0C00_0100_0002_0001": "Spaghetti detected",

	"0000_0000_0000_0000": "Unknown error",
}

// Error is one decoded HMS entry.
type Error struct {
	Attr        uint32 `json:"attr"`
	Code        uint32 `json:"code"`
	Key         string `json:"key"`
	Description string `json:"description"`
}

// FormatKey renders attr and code as AAAA_AAAA_CCCC_CCCC in upper-case hex.
func FormatKey(attr, code uint32) string {
	return fmt.Sprintf("%04X_%04X_%04X_%04X", attr>>16, attr&0xFFFF, code>>16, code&0xFFFF)
}

func Describe(attr, code uint32) string {
	key := FormatKey(attr, code)
	if d, ok := descriptions[key]; ok {
		return d
	}
	return "unknown error " + key
}

func Parse(entries []model.HMSEntry) []Error {
	out := make([]Error, 0, len(entries))
	for _, e := range entries {
		out = append(out, Error{
			Attr:        e.Attr,
			Code:        e.Code,
			Key:         FormatKey(e.Attr, e.Code),
			Description: Describe(e.Attr, e.Code),
		})
	}
	return out
}

// Keys returns the distinct keys of entries in first-seen order.
func Keys(entries []model.HMSEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		k := FormatKey(e.Attr, e.Code)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
