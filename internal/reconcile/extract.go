package reconcile

import (
	"math"

	"printwatch/internal/model"
)

// Extract derives the normalized snapshot from a merged tree. It is a pure
// function of the tree and never fails on missing data.
func Extract(tree *Report) model.Snapshot {
	snap := model.Snapshot{
		GcodeState:    model.StateUnknown,
		ExtruderCount: 1,
		HMSErrors:     []model.HMSEntry{},
	}
	if tree == nil {
		return snap
	}
	p := tree.Print
	if p == nil {
		p = &PrintStatus{}
	}

	snap.GcodeState = model.ParseGcodeState(p.GcodeState.String())
	snap.SubtaskName = p.SubtaskName.String()
	snap.GcodeFile = p.GcodeFile.String()
	if snap.GcodeFile == "" {
		snap.GcodeFile = snap.SubtaskName
	}
	snap.TaskID = p.TaskID.String()
	snap.PrintType = p.PrintType.String()
	snap.Progress = p.McPercent.Float()
	snap.RemainingMin = p.McRemainingTime.Int()
	snap.LayerNum = p.LayerNum.Int()
	snap.TotalLayers = p.TotalLayerNum.Int()

	snap.NozzleTemp = p.NozzleTemper.Float()
	snap.NozzleTarget = p.NozzleTargetTemper.Float()
	snap.BedTemp = p.BedTemper.Float()
	snap.BedTarget = p.BedTargetTemper.Float()
	snap.ChamberTemp = p.ChamberTemper.Float()
	decodeExtruders(tree, &snap)

	snap.PartFanSpeed = FanPercent(p.CoolingFanSpeed)
	snap.AuxFanSpeed = FanPercent(p.BigFan1Speed)
	snap.ChamberFanSpeed = FanPercent(p.BigFan2Speed)
	snap.SpeedLevel = p.SpdLvl.Int()
	snap.SpeedMagnitude = p.SpdMag.Int()
	snap.WifiSignal = p.WifiSignal.Int()
	if p.SDCard != nil {
		v := *p.SDCard
		snap.SDCard = &v
	}

	for _, h := range p.HMS {
		attr, _ := h.Attr.Uint32()
		code, _ := h.Code.Uint32()
		snap.HMSErrors = append(snap.HMSErrors, model.HMSEntry{Attr: attr, Code: code})
	}
	snap.AMS = extractAMS(p.AMS)
	return snap
}

// decodeExtruders fills nozzle temperatures and the extruder count. On
// multi-extruder hardware the top-level nozzle fields report whichever
// nozzle is idle, so nozzle 1 always comes from the packed info entry.
func decodeExtruders(tree *Report, snap *model.Snapshot) {
	info, state := extruderInfo(tree)
	if state != nil {
		if v, ok := state.Uint32(); ok {
			if count := int(v & 0xF); count > 0 {
				snap.ExtruderCount = count
			}
		}
	}
	if len(info) == 0 {
		return
	}
	if len(info) > snap.ExtruderCount {
		snap.ExtruderCount = len(info)
	}
	dual := len(info) > 1
	if actual, target, ok := unpackTemp(info[0].Temp); ok {
		if dual {
			snap.NozzleTemp, snap.NozzleTarget = &actual, &target
		} else {
			if snap.NozzleTemp == nil {
				snap.NozzleTemp = &actual
			}
			if snap.NozzleTarget == nil {
				snap.NozzleTarget = &target
			}
		}
	}
	if dual {
		if actual, target, ok := unpackTemp(info[1].Temp); ok {
			snap.Nozzle2Temp, snap.Nozzle2Target = &actual, &target
		}
	}
}

func extruderInfo(tree *Report) ([]ExtruderSlot, *Num) {
	var candidates []*ExtruderReport
	if p := tree.Print; p != nil {
		candidates = append(candidates, p.Extruder)
		if p.Device != nil {
			candidates = append(candidates, p.Device.Extruder)
		}
	}
	if tree.Device != nil {
		candidates = append(candidates, tree.Device.Extruder)
	}
	var info []ExtruderSlot
	var state *Num
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if info == nil && c.Info != nil {
			info = c.Info
		}
		if state == nil && c.State.Float() != nil {
			state = c.State
		}
	}
	return info, state
}

func unpackTemp(n *Num) (actual, target float64, ok bool) {
	packed, ok := n.Uint32()
	if !ok {
		return 0, 0, false
	}
	return float64(packed & 0xFFFF), float64((packed >> 16) & 0xFFFF), true
}

// FanPercent converts a raw fan value to a percentage. Values above 15 are
// already percentages; smaller values are on the 0-15 scale.
func FanPercent(n *Num) *int {
	f := n.Float()
	if f == nil {
		return nil
	}
	var v int
	if *f > 15 {
		v = int(math.Round(*f))
	} else {
		v = int(math.Round(*f / 15 * 100))
	}
	return &v
}

func extractAMS(r *AMSReport) *model.AMSInfo {
	if r == nil {
		return nil
	}
	out := &model.AMSInfo{TrayNow: r.TrayNow.String(), Units: make([]model.AMSUnit, 0, len(r.Units))}
	for _, u := range r.Units {
		unit := model.AMSUnit{
			ID:       u.ID.String(),
			Humidity: u.Humidity.Float(),
			Temp:     u.Temp.Float(),
			Trays:    make([]model.AMSTray, 0, len(u.Tray)),
		}
		for _, t := range u.Tray {
			unit.Trays = append(unit.Trays, model.AMSTray{
				ID:        t.ID.String(),
				Type:      t.TrayType.String(),
				Color:     t.TrayColor.String(),
				Remain:    t.Remain.Float(),
				NozzleMin: t.NozzleTempMin.Float(),
				NozzleMax: t.NozzleTempMax.Float(),
			})
		}
		out.Units = append(out.Units, unit)
	}
	return out
}
