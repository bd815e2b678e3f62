package task

import (
	"encoding/json"
	"time"
)

type ActionKind string

const (
	ActionImprove            ActionKind = "improve"
	ActionStart              ActionKind = "start"
	ActionStop               ActionKind = "stop"
	ActionSupplement         ActionKind = "supplement"
	ActionAddTask            ActionKind = "add_task"
	ActionRemoveTask         ActionKind = "remove_task"
	ActionSkipTask           ActionKind = "skip_task"
	ActionInstallIntegration ActionKind = "install_integration"
	ActionActivateTool       ActionKind = "activate_tool"
	ActionDeactivateTool     ActionKind = "deactivate_tool"
	ActionTerminalOutput     ActionKind = "terminal_output"
	ActionWriteFile          ActionKind = "write_file"
	ActionApprovalRequest    ActionKind = "approval_request"
	ActionError              ActionKind = "error"
	ActionEnd                ActionKind = "end"
)

// Action is one discrete progress event on a task's queue. Instances are
// immutable once constructed and consumed exactly once by the bridge.
type Action struct {
	Kind   ActionKind     `json:"kind"`
	TaskID string         `json:"task_id"`
	Agent  string         `json:"agent,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

func NewAction(kind ActionKind, taskID string, data map[string]any) Action {
	return Action{
		Kind:   kind,
		TaskID: taskID,
		Data:   data,
		At:     time.Now().UTC(),
	}
}

// Terminal reports whether the action ends the outbound stream.
func (a Action) Terminal() bool {
	switch a.Kind {
	case ActionStop, ActionEnd, ActionError:
		return true
	default:
		return false
	}
}

// Frame is the wire shape written to the client: {"step": kind, "data": ...}.
type Frame struct {
	Step ActionKind     `json:"step"`
	Data map[string]any `json:"data,omitempty"`
}

func (a Action) Frame() Frame {
	data := a.Data
	if a.Agent != "" {
		data = make(map[string]any, len(a.Data)+1)
		for k, v := range a.Data {
			data[k] = v
		}
		data["agent"] = a.Agent
	}
	return Frame{Step: a.Kind, Data: data}
}

func (a Action) MarshalFrame() ([]byte, error) {
	return json.Marshal(a.Frame())
}
