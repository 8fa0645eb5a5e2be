package reconcile

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Report is the typed partial-update tree sent by a printer on its report
// topic. Every field is optional: nil pointers and nil slices mean the
// message did not carry the field.
type Report struct {
	Print  *PrintStatus `json:"print,omitempty"`
	Device *DeviceBlock `json:"device,omitempty"`
}

type PrintStatus struct {
	Command            *Text           `json:"command,omitempty"`
	GcodeState         *Text           `json:"gcode_state,omitempty"`
	GcodeFile          *Text           `json:"gcode_file,omitempty"`
	SubtaskName        *Text           `json:"subtask_name,omitempty"`
	TaskID             *Text           `json:"task_id,omitempty"`
	PrintType          *Text           `json:"print_type,omitempty"`
	McPercent          *Num            `json:"mc_percent,omitempty"`
	McRemainingTime    *Num            `json:"mc_remaining_time,omitempty"`
	LayerNum           *Num            `json:"layer_num,omitempty"`
	TotalLayerNum      *Num            `json:"total_layer_num,omitempty"`
	NozzleTemper       *Num            `json:"nozzle_temper,omitempty"`
	NozzleTargetTemper *Num            `json:"nozzle_target_temper,omitempty"`
	BedTemper          *Num            `json:"bed_temper,omitempty"`
	BedTargetTemper    *Num            `json:"bed_target_temper,omitempty"`
	ChamberTemper      *Num            `json:"chamber_temper,omitempty"`
	CoolingFanSpeed    *Num            `json:"cooling_fan_speed,omitempty"`
	BigFan1Speed       *Num            `json:"big_fan1_speed,omitempty"`
	BigFan2Speed       *Num            `json:"big_fan2_speed,omitempty"`
	SpdLvl             *Num            `json:"spd_lvl,omitempty"`
	SpdMag             *Num            `json:"spd_mag,omitempty"`
	WifiSignal         *Num            `json:"wifi_signal,omitempty"`
	SDCard             *bool           `json:"sdcard,omitempty"`
	HMS                []HMSReport     `json:"hms,omitempty"`
	AMS                *AMSReport      `json:"ams,omitempty"`
	Extruder           *ExtruderReport `json:"extruder,omitempty"`
	Device             *DeviceBlock    `json:"device,omitempty"`
}

// DeviceBlock appears both under print and at the top level depending on
// model and firmware.
type DeviceBlock struct {
	Extruder *ExtruderReport `json:"extruder,omitempty"`
}

type ExtruderReport struct {
	Info  []ExtruderSlot `json:"info,omitempty"`
	State *Num           `json:"state,omitempty"`
}

// ExtruderSlot.Temp packs the actual temperature in the low 16 bits and
// the target in the high 16 bits.
type ExtruderSlot struct {
	ID   *Num `json:"id,omitempty"`
	Temp *Num `json:"temp,omitempty"`
}

type HMSReport struct {
	Attr *Num `json:"attr,omitempty"`
	Code *Num `json:"code,omitempty"`
}

type AMSReport struct {
	Units   []AMSUnitReport `json:"ams,omitempty"`
	TrayNow *Text           `json:"tray_now,omitempty"`
}

type AMSUnitReport struct {
	ID       *Text           `json:"id,omitempty"`
	Humidity *Num            `json:"humidity,omitempty"`
	Temp     *Num            `json:"temp,omitempty"`
	Tray     []AMSTrayReport `json:"tray,omitempty"`
}

type AMSTrayReport struct {
	ID            *Text `json:"id,omitempty"`
	TrayType      *Text `json:"tray_type,omitempty"`
	TrayColor     *Text `json:"tray_color,omitempty"`
	Remain        *Num  `json:"remain,omitempty"`
	NozzleTempMin *Num  `json:"nozzle_temp_min,omitempty"`
	NozzleTempMax *Num  `json:"nozzle_temp_max,omitempty"`
}

// Decode parses a report payload. Syntax errors are returned so the caller
// can drop the message; a field of the wrong JSON type is skipped and the
// rest of the message is kept.
func Decode(payload []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &r, nil
		}
		return nil, err
	}
	return &r, nil
}

// Num is a device number. Printers send some numerics as JSON strings
// ("15", "-45dBm"); the leading numeric part is used. A string with no
// numeric prefix decodes to NaN and reads as absent.
type Num float64

func (n *Num) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = Num(math.NaN())
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if v, ok := leadingNumber(str); ok {
			*n = Num(v)
		} else {
			*n = Num(math.NaN())
		}
		return nil
	}
	if s == "true" || s == "false" {
		if s == "true" {
			*n = 1
		} else {
			*n = 0
		}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = Num(math.NaN())
		return nil
	}
	*n = Num(v)
	return nil
}

func (n *Num) Float() *float64 {
	if n == nil || math.IsNaN(float64(*n)) {
		return nil
	}
	v := float64(*n)
	return &v
}

func (n *Num) Int() *int {
	f := n.Float()
	if f == nil {
		return nil
	}
	v := int(math.Round(*f))
	return &v
}

func (n *Num) Uint32() (uint32, bool) {
	f := n.Float()
	if f == nil {
		return 0, false
	}
	return uint32(int64(*f)), true
}

func leadingNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := 0
	seenDot := false
	for end < len(s) {
		c := s[end]
		if c >= '0' && c <= '9' {
			digits++
			end++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			end++
			continue
		}
		break
	}
	if digits == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s[:end], "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Text accepts JSON strings and scalars. Objects and arrays decode to "".
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*t = Text(str)
	case strings.HasPrefix(s, "{"), strings.HasPrefix(s, "["), s == "null":
		*t = ""
	default:
		*t = Text(s)
	}
	return nil
}

func (t *Text) String() string {
	if t == nil {
		return ""
	}
	return string(*t)
}
