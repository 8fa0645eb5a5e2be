package model

import "time"

type GcodeState string

const (
	StateIdle    GcodeState = "IDLE"
	StatePrepare GcodeState = "PREPARE"
	StateRunning GcodeState = "RUNNING"
	StatePause   GcodeState = "PAUSE"
	StateFinish  GcodeState = "FINISH"
	StateFailed  GcodeState = "FAILED"
	StateSlicing GcodeState = "SLICING"
	StateUnknown GcodeState = "UNKNOWN"
)

var gcodeStates = map[string]GcodeState{
	"IDLE":    StateIdle,
	"PREPARE": StatePrepare,
	"RUNNING": StateRunning,
	"PAUSE":   StatePause,
	"FINISH":  StateFinish,
	"FAILED":  StateFailed,
	"SLICING": StateSlicing,
}

// ParseGcodeState maps a raw device token onto the known states. Anything
// unmapped, including the empty string, is StateUnknown.
func ParseGcodeState(raw string) GcodeState {
	if s, ok := gcodeStates[raw]; ok {
		return s
	}
	return StateUnknown
}

// Active reports whether the printer is working on a job (preparing or printing).
func (s GcodeState) Active() bool {
	return s == StatePrepare || s == StateRunning
}

func (s GcodeState) Terminal() bool {
	return s == StateFinish || s == StateFailed || s == StateIdle
}

var speedLevels = map[int]string{
	1: "Silent",
	2: "Standard",
	3: "Sport",
	4: "Ludicrous",
}

func SpeedLevelName(level int) string {
	if name, ok := speedLevels[level]; ok {
		return name
	}
	return "Unknown"
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type EventKind string

const (
	EventStateChange EventKind = "state_change"
	EventAlertFired  EventKind = "alert_fired"
	EventHMSError    EventKind = "hms_error"
)

type Printer struct {
	DeviceID       string    `json:"device_id" yaml:"device_id"`
	Name           string    `json:"name" yaml:"name"`
	Model          string    `json:"model" yaml:"model"`
	NozzleDiameter *float64  `json:"nozzle_diameter,omitempty" yaml:"nozzle_diameter"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

type HMSEntry struct {
	Attr uint32 `json:"attr"`
	Code uint32 `json:"code"`
}

type AMSTray struct {
	ID        string   `json:"id"`
	Type      string   `json:"type,omitempty"`
	Color     string   `json:"color,omitempty"`
	Remain    *float64 `json:"remain,omitempty"`
	NozzleMin *float64 `json:"nozzle_temp_min,omitempty"`
	NozzleMax *float64 `json:"nozzle_temp_max,omitempty"`
}

type AMSUnit struct {
	ID       string    `json:"id"`
	Humidity *float64  `json:"humidity,omitempty"`
	Temp     *float64  `json:"temp,omitempty"`
	Trays    []AMSTray `json:"trays"`
}

type AMSInfo struct {
	Units   []AMSUnit `json:"units"`
	TrayNow string    `json:"tray_now,omitempty"`
}

// Snapshot is the normalized view of a printer produced from each message.
// Nil pointers mean the device has not reported the value.
type Snapshot struct {
	GcodeState      GcodeState `json:"gcode_state"`
	GcodeFile       string     `json:"gcode_file"`
	SubtaskName     string     `json:"subtask_name"`
	TaskID          string     `json:"task_id"`
	Progress        *float64   `json:"progress"`
	RemainingMin    *int       `json:"remaining_min"`
	LayerNum        *int       `json:"layer_num"`
	TotalLayers     *int       `json:"total_layers"`
	NozzleTemp      *float64   `json:"nozzle_temp"`
	NozzleTarget    *float64   `json:"nozzle_target"`
	Nozzle2Temp     *float64   `json:"nozzle2_temp"`
	Nozzle2Target   *float64   `json:"nozzle2_target"`
	ExtruderCount   int        `json:"extruder_count"`
	BedTemp         *float64   `json:"bed_temp"`
	BedTarget       *float64   `json:"bed_target"`
	ChamberTemp     *float64   `json:"chamber_temp"`
	PartFanSpeed    *int       `json:"part_fan_speed"`
	AuxFanSpeed     *int       `json:"aux_fan_speed"`
	ChamberFanSpeed *int       `json:"chamber_fan_speed"`
	SpeedLevel      *int       `json:"speed_level"`
	SpeedMagnitude  *int       `json:"speed_magnitude"`
	WifiSignal      *int       `json:"wifi_signal"`
	HMSErrors       []HMSEntry `json:"hms_errors"`
	AMS             *AMSInfo   `json:"ams"`
	SDCard          *bool      `json:"sdcard"`
	PrintType       string     `json:"print_type"`
}

type PrintJob struct {
	ID           int64       `json:"id"`
	DeviceID     string      `json:"device_id"`
	TaskID       string      `json:"task_id"`
	SubtaskName  string      `json:"subtask_name"`
	GcodeFile    string      `json:"gcode_file"`
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	EndState     *GcodeState `json:"end_state,omitempty"`
	ProgressPct  *float64    `json:"progress_pct,omitempty"`
	PauseCount   int         `json:"pause_count"`
	PauseSeconds float64     `json:"pause_seconds"`
	AnomalyCount int         `json:"anomaly_count"`
	HMSCodes     []string    `json:"hms_codes"`
	TotalLayers  *int        `json:"total_layers,omitempty"`
}

type LayerTransition struct {
	ID           int64     `json:"id"`
	DeviceID     string    `json:"device_id"`
	JobID        *int64    `json:"job_id,omitempty"`
	At           time.Time `json:"at"`
	LayerNum     int       `json:"layer_num"`
	DurationSec  *float64  `json:"duration_sec,omitempty"`
	NozzleTemp   *float64  `json:"nozzle_temp,omitempty"`
	NozzleTarget *float64  `json:"nozzle_target,omitempty"`
	BedTemp      *float64  `json:"bed_temp,omitempty"`
	BedTarget    *float64  `json:"bed_target,omitempty"`
	ChamberTemp  *float64  `json:"chamber_temp,omitempty"`
	SpeedLevel   *int      `json:"speed_level,omitempty"`
	Progress     *float64  `json:"progress,omitempty"`
}

type AnomalyKind string

const (
	AnomalyDeviation AnomalyKind = "deviation"
	AnomalyRate      AnomalyKind = "rate"
	AnomalyBoth      AnomalyKind = "both"
)

type TempAnomaly struct {
	ID           int64       `json:"id"`
	DeviceID     string      `json:"device_id"`
	JobID        *int64      `json:"job_id,omitempty"`
	At           time.Time   `json:"at"`
	Sensor       string      `json:"sensor"`
	ActualTemp   float64     `json:"actual_temp"`
	TargetTemp   *float64    `json:"target_temp,omitempty"`
	Deviation    *float64    `json:"deviation,omitempty"`
	RateOfChange *float64    `json:"rate_of_change,omitempty"`
	LayerNum     *int        `json:"layer_num,omitempty"`
	Kind         AnomalyKind `json:"kind"`
}

type PauseSource string

const (
	PauseUser  PauseSource = "user"
	PauseError PauseSource = "error"
)

type JobPause struct {
	ID        int64       `json:"id"`
	DeviceID  string      `json:"device_id"`
	JobID     int64       `json:"job_id"`
	PausedAt  time.Time   `json:"paused_at"`
	ResumedAt *time.Time  `json:"resumed_at,omitempty"`
	Source    PauseSource `json:"source"`
	LayerNum  *int        `json:"layer_num,omitempty"`
	Progress  *float64    `json:"progress,omitempty"`
	HMSCodes  []string    `json:"hms_codes,omitempty"`
}

type Event struct {
	ID       int64     `json:"id"`
	DeviceID string    `json:"device_id"`
	JobID    *int64    `json:"job_id,omitempty"`
	At       time.Time `json:"ts"`
	Kind     EventKind `json:"event_type"`
	Severity Severity  `json:"severity"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message"`
}

type Sample struct {
	DeviceID        string     `json:"device_id"`
	JobID           *int64     `json:"job_id,omitempty"`
	At              time.Time  `json:"ts"`
	BedTemp         *float64   `json:"bed_temp"`
	BedTarget       *float64   `json:"bed_target"`
	NozzleTemp      *float64   `json:"nozzle_temp"`
	NozzleTarget    *float64   `json:"nozzle_target"`
	Nozzle2Temp     *float64   `json:"nozzle2_temp"`
	Nozzle2Target   *float64   `json:"nozzle2_target"`
	ChamberTemp     *float64   `json:"chamber_temp"`
	PartFanSpeed    *int       `json:"part_fan_speed"`
	AuxFanSpeed     *int       `json:"aux_fan_speed"`
	ChamberFanSpeed *int       `json:"chamber_fan_speed"`
	Progress        *float64   `json:"progress"`
	LayerNum        *int       `json:"layer_num"`
	TotalLayers     *int       `json:"total_layers"`
	RemainingMin    *int       `json:"remaining_min"`
	GcodeState      GcodeState `json:"gcode_state"`
	SpeedLevel      *int       `json:"speed_level"`
	WifiSignal      *int       `json:"wifi_signal"`
}

func SampleFromSnapshot(deviceID string, jobID *int64, at time.Time, s Snapshot) Sample {
	return Sample{
		DeviceID:        deviceID,
		JobID:           jobID,
		At:              at,
		BedTemp:         s.BedTemp,
		BedTarget:       s.BedTarget,
		NozzleTemp:      s.NozzleTemp,
		NozzleTarget:    s.NozzleTarget,
		Nozzle2Temp:     s.Nozzle2Temp,
		Nozzle2Target:   s.Nozzle2Target,
		ChamberTemp:     s.ChamberTemp,
		PartFanSpeed:    s.PartFanSpeed,
		AuxFanSpeed:     s.AuxFanSpeed,
		ChamberFanSpeed: s.ChamberFanSpeed,
		Progress:        s.Progress,
		LayerNum:        s.LayerNum,
		TotalLayers:     s.TotalLayers,
		RemainingMin:    s.RemainingMin,
		GcodeState:      s.GcodeState,
		SpeedLevel:      s.SpeedLevel,
		WifiSignal:      s.WifiSignal,
	}
}

type ConditionType string

const (
	ConditionStateChange   ConditionType = "state_change"
	ConditionHMSError      ConditionType = "hms_error"
	ConditionTempAnomaly   ConditionType = "temp_anomaly"
	ConditionTempThreshold ConditionType = "temp_threshold"
	ConditionProgressStall ConditionType = "progress_stall"
)

type NotifyChannel string

const (
	NotifyConsole NotifyChannel = "console"
	NotifyWebhook NotifyChannel = "webhook"
)

// AlertRule is the stored form of a rule. Condition and notify configs are
// raw JSON and are only interpreted by the alerts package.
type AlertRule struct {
	ID              int64         `json:"id" yaml:"-"`
	Name            string        `json:"name" yaml:"name"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	DeviceID        string        `json:"device_id,omitempty" yaml:"device_id"`
	ConditionType   ConditionType `json:"condition_type" yaml:"condition_type"`
	ConditionConfig string        `json:"condition_config" yaml:"condition_config"`
	NotifyVia       NotifyChannel `json:"notify_via" yaml:"notify_via"`
	NotifyConfig    string        `json:"notify_config" yaml:"notify_config"`
	CooldownSec     int           `json:"cooldown_sec" yaml:"cooldown_sec"`
	LastFiredAt     *time.Time    `json:"last_fired_at,omitempty" yaml:"-"`
}

type MessageType string

const (
	MessageState MessageType = "state"
	MessageEvent MessageType = "event"
	MessageAuth  MessageType = "auth"
)

// Message is the envelope pushed to dashboard subscribers.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

type StatePayload struct {
	DeviceID  string    `json:"deviceId"`
	State     *Snapshot `json:"state"`
	Connected bool      `json:"connected"`
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }
