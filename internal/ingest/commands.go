package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command is a request published to a printer's request topic.
type Command struct {
	Pushing *CommandBody `json:"pushing,omitempty"`
	Print   *CommandBody `json:"print,omitempty"`
}

type CommandBody struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
	Param      string `json:"param,omitempty"`
}

func printCommand(name, param string) Command {
	return Command{Print: &CommandBody{SequenceID: "0", Command: name, Param: param}}
}

// Pushall asks the printer to report its complete state.
func Pushall() Command {
	return Command{Pushing: &CommandBody{SequenceID: "0", Command: "pushall"}}
}

func Pause() Command  { return printCommand("pause", "") }
func Resume() Command { return printCommand("resume", "") }
func Stop() Command   { return printCommand("stop", "") }

// SetSpeed selects a speed level: 1 silent, 2 standard, 3 sport, 4 ludicrous.
func SetSpeed(level int) (Command, error) {
	if level < 1 || level > 4 {
		return Command{}, fmt.Errorf("speed level %d out of range 1-4", level)
	}
	return printCommand("print_speed", strconv.Itoa(level)), nil
}

func GcodeLine(gcode string) (Command, error) {
	if strings.TrimSpace(gcode) == "" {
		return Command{}, fmt.Errorf("gcode is empty")
	}
	return printCommand("gcode_line", gcode), nil
}

func (c Command) IsPushall() bool {
	return c.Pushing != nil && c.Pushing.Command == "pushall"
}

func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// ParseCommand builds a command from its short name as used by the API.
func ParseCommand(name, param string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pushall":
		return Pushall(), nil
	case "pause":
		return Pause(), nil
	case "resume":
		return Resume(), nil
	case "stop":
		return Stop(), nil
	case "speed", "set_speed", "print_speed":
		level, err := strconv.Atoi(strings.TrimSpace(param))
		if err != nil {
			return Command{}, fmt.Errorf("invalid speed level %q", param)
		}
		return SetSpeed(level)
	case "gcode", "gcode_line":
		return GcodeLine(param)
	}
	return Command{}, fmt.Errorf("unknown command %q", name)
}
