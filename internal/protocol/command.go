package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound command types.
const (
	CommandExecute       = "EXECUTE_COMMAND"
	CommandApproveAction = "APPROVE_ACTION"
	CommandSwitchPersona = "SWITCH_PERSONA"
)

// Command is an outbound UI->daemon request.
type Command interface {
	CommandType() string
}

// ExecuteCommand asks the daemon to run a command string.
type ExecuteCommand struct {
	Command string `json:"command"`
}

func (ExecuteCommand) CommandType() string { return CommandExecute }

// ApproveAction carries the operator's decision on an intervention.
type ApproveAction struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

func (ApproveAction) CommandType() string { return CommandApproveAction }

// SwitchPersona asks the daemon to change its operating profile.
type SwitchPersona struct {
	Persona string `json:"persona"`
}

func (SwitchPersona) CommandType() string { return CommandSwitchPersona }

// Encode serializes cmd as a flat `{type, ...fields}` JSON object. The command
// structs above always marshal; an error here means a new Command type is broken.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode command: nil command")
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: command must be a JSON object: %w", cmd.CommandType(), err)
	}
	typ, _ := json.Marshal(cmd.CommandType())
	fields["type"] = typ
	return json.Marshal(fields)
}

// DecodeCommand parses an outbound command frame. It is used by the simulated
// daemon; the control plane itself never receives commands.
func DecodeCommand(frame []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, &DecodeError{Reason: "invalid command json", Frame: frame, Err: err}
	}
	var cmd Command
	switch head.Type {
	case CommandExecute:
		var c ExecuteCommand
		if err := json.Unmarshal(frame, &c); err != nil {
			return nil, &DecodeError{Reason: "invalid EXECUTE_COMMAND", Frame: frame, Err: err}
		}
		cmd = c
	case CommandApproveAction:
		var c ApproveAction
		if err := json.Unmarshal(frame, &c); err != nil {
			return nil, &DecodeError{Reason: "invalid APPROVE_ACTION", Frame: frame, Err: err}
		}
		cmd = c
	case CommandSwitchPersona:
		var c SwitchPersona
		if err := json.Unmarshal(frame, &c); err != nil {
			return nil, &DecodeError{Reason: "invalid SWITCH_PERSONA", Frame: frame, Err: err}
		}
		cmd = c
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown command type %q", head.Type), Frame: frame}
	}
	return cmd, nil
}
