package lifecycle

import "printwatch/internal/model"

// stateNone is the previous state of a device that has not reported yet.
const stateNone model.GcodeState = ""

type action int

const (
	actionNone action = iota
	actionOpen
	actionClose
)

type edge struct {
	from, to model.GcodeState
}

// transitions maps (previous, next) operating states onto job actions.
// Edges not listed are no-ops, including PAUSE <-> RUNNING which belongs
// to pause tracking.
var transitions = func() map[edge]action {
	t := make(map[edge]action)
	opensFrom := []model.GcodeState{stateNone, model.StateIdle, model.StateFinish, model.StateFailed, model.StateUnknown, model.StateSlicing}
	for _, from := range opensFrom {
		t[edge{from, model.StatePrepare}] = actionOpen
		t[edge{from, model.StateRunning}] = actionOpen
	}
	for _, from := range []model.GcodeState{model.StatePrepare, model.StateRunning, model.StatePause} {
		t[edge{from, model.StateFinish}] = actionClose
		t[edge{from, model.StateFailed}] = actionClose
		t[edge{from, model.StateIdle}] = actionClose
	}
	return t
}()

func lookup(from, to model.GcodeState) action {
	return transitions[edge{from, to}]
}
