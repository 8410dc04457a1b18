package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/state"
)

// ServiceName identifies the orchestrator itself in surfaced errors.
const ServiceName = "orchestrator"

// Request is one inbound user turn.
type Request struct {
	Text            string   `json:"text"`
	ConversationID  string   `json:"conversation_id"`
	Plan            string   `json:"plan,omitempty"`
	Services        []string `json:"services,omitempty"`
	IndividualID    string   `json:"individual_id,omitempty"`
	UserProfileID   string   `json:"user_profile_id,omitempty"`
	DetectedAgent   string   `json:"detected_agent,omitempty"`
	AgentInstanceID string   `json:"agent_instance_id,omitempty"`
	CallLogID       string   `json:"call_log_id,omitempty"`
	Channel         string   `json:"channel,omitempty"`

	// ChecklistResults are specialist results the caller already has;
	// those specialists are not called again this turn.
	ChecklistResults map[string]state.AgentResult `json:"checklist_results,omitempty"`

	// RequestID correlates logs, ledger rows, and the response. One is
	// generated when empty.
	RequestID string `json:"request_id,omitempty"`
}

func (r *Request) validate() error {
	var missing []string
	if strings.TrimSpace(r.Text) == "" {
		missing = append(missing, "text")
	}
	if strings.TrimSpace(r.ConversationID) == "" {
		missing = append(missing, "conversation_id")
	}
	if len(missing) == 0 {
		return nil
	}
	return &caller.Error{
		Kind:    caller.KindClientPayload,
		Status:  http.StatusBadRequest,
		Service: ServiceName,
		Detail:  fmt.Sprintf("missing required field(s): %s", strings.Join(missing, ", ")),
	}
}

func (r *Request) plan() string {
	if r.Plan == state.PlanPro {
		return state.PlanPro
	}
	return state.PlanLite
}

// Response is the reply to one turn.
type Response struct {
	Response        string `json:"response"`
	RequestID       string `json:"request_id"`
	ConversationID  string `json:"conversation_id"`
	IndividualID    string `json:"individual_id,omitempty"`
	UserProfileID   string `json:"user_profile_id,omitempty"`
	DetectedAgent   string `json:"detected_agent,omitempty"`
	AgentInstanceID string `json:"agent_instance_id,omitempty"`
	CallLogID       string `json:"call_log_id,omitempty"`

	// Service is the route that produced Response.
	Service string `json:"service"`

	Checkpoints         []string       `json:"checkpoints"`
	CheckpointProgress  state.Progress `json:"checkpoint_progress"`
	CheckpointCompleted string         `json:"checkpoint_completed,omitempty"`
	TaskStack           []*state.Task  `json:"task_stack"`
	Summary             state.Summary  `json:"summary"`

	SyncAgentResults  map[string][]state.AgentResult `json:"sync_agent_results"`
	AsyncAgentResults map[string]state.AgentResult   `json:"async_agent_results"`

	RequiresHuman bool `json:"requires_human"`
	IsPaused      bool `json:"is_paused"`

	TimingMetrics map[string]float64 `json:"timing_metrics"`

	// ServerTiming is the Server-Timing header value for this turn.
	ServerTiming string `json:"-"`
}

// reply is what a specialist or the primary service answers. Pointer
// and raw fields distinguish "absent" from "set to zero".
type reply struct {
	Response               string          `json:"response"`
	RequiresHuman          bool            `json:"requires_human"`
	UpdatedTaskStack       []*state.Task   `json:"updated_task_stack"`
	IsPaused               *bool           `json:"is_paused"`
	PatientVerified        *bool           `json:"patient_verified"`
	PendingAgentInvocation json.RawMessage `json:"pending_agent_invocation"`
	ResumeAfterSubtask     *bool           `json:"resume_after_subtask"`
}

// apply merges the state-mutating fields of rep into c and reports
// which fields changed.
func (rep *reply) apply(c *state.Conversation) (changed []string, err error) {
	if rep.UpdatedTaskStack != nil {
		if c.ReplaceTasks(rep.UpdatedTaskStack) {
			changed = append(changed, "task_stack")
		} else {
			err = errors.New("updated_task_stack: empty stack ignored")
		}
	}
	if rep.IsPaused != nil {
		c.IsPaused = *rep.IsPaused
		changed = append(changed, "is_paused")
	}
	if rep.PatientVerified != nil {
		c.PatientVerified = *rep.PatientVerified
		changed = append(changed, "patient_verified")
	}
	if rep.ResumeAfterSubtask != nil {
		c.ResumeAfterSubtask = *rep.ResumeAfterSubtask
		changed = append(changed, "resume_after_subtask")
	}
	if len(rep.PendingAgentInvocation) > 0 {
		var pending map[string]any
		if perr := json.Unmarshal(rep.PendingAgentInvocation, &pending); perr != nil {
			err = errors.Join(err, fmt.Errorf("pending_agent_invocation: %w", perr))
		} else {
			c.PendingAgentInvocation = pending
			changed = append(changed, "pending_agent_invocation")
		}
	}
	if len(changed) > 0 {
		c.MarkDirty(state.FieldFlags)
	}
	return changed, err
}
