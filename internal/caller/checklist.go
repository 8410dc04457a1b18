package caller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nugget/huddle/internal/cache"
)

// Service names used for timeout profiles, logs, and timing spans.
const (
	ServiceCheckpoint = "checkpoint"
	ServiceChecklist  = "checklist"
)

// EvaluationRequest asks the checklist service whether the user's latest
// message completes a checkpoint.
type EvaluationRequest struct {
	ConversationID string         `json:"conversation_id"`
	IndividualID   string         `json:"individual_id,omitempty"`
	Checkpoint     string         `json:"checkpoint"`
	CheckpointType string         `json:"checkpoint_type,omitempty"`
	ExpectedInputs []string       `json:"expected_inputs,omitempty"`
	Text           string         `json:"text"`
	Context        []ContextTurn  `json:"context,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// ContextTurn is one exchange sent along with an evaluation.
type ContextTurn struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// Evaluation is the checklist service's judgement.
type Evaluation struct {
	CheckpointComplete bool           `json:"checkpoint_complete"`
	CollectedInputs    map[string]any `json:"collected_inputs,omitempty"`
	Reason             string         `json:"reason,omitempty"`

	// Cached is set when the judgement came from the cache.
	Cached bool `json:"-"`
}

type evaluationPayload struct {
	EvaluationRequest
	EvaluationOnly bool `json:"evaluation_only"`
}

// EvaluationKey is the cache key for a judgement of text against a
// checkpoint within a conversation.
func EvaluationKey(conversationID, checkpoint, text string) string {
	return cache.Key("eval", conversationID, checkpoint, cache.TextHash(text))
}

// EvaluateCheckpoint runs an evaluation-only checklist call. A cached
// judgement for the same conversation, checkpoint, and text is returned
// without a network call; a fresh judgement is cached afterwards.
func (c *Caller) EvaluateCheckpoint(ctx context.Context, req EvaluationRequest, opts ...CallOption) (*Evaluation, error) {
	if c.checklistURL == "" {
		return nil, &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Service: ServiceChecklist,
			Detail: "checklist url not configured"}
	}
	key := EvaluationKey(req.ConversationID, req.Checkpoint, req.Text)

	if c.cache != nil {
		var cached Evaluation
		err := c.cache.GetJSON(ctx, key, &cached)
		if err == nil {
			cached.Cached = true
			c.logger.Debug("checklist evaluation cache hit",
				"conversation_id", req.ConversationID,
				"checkpoint", req.Checkpoint,
			)
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Debug("checklist cache read failed", "error", err)
		}
	}

	var eval Evaluation
	payload := evaluationPayload{EvaluationRequest: req, EvaluationOnly: true}
	if err := c.CallJSON(ctx, c.checklistURL, payload, ServiceChecklist, &eval, opts...); err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, eval, c.evalTTL); err != nil {
			c.logger.Debug("checklist cache write failed", "error", err)
		}
	}
	return &eval, nil
}

// GenerateRequest asks the checkpoint service for a checklist.
type GenerateRequest struct {
	ConversationID string `json:"conversation_id"`
	IndividualID   string `json:"individual_id,omitempty"`
	DetectedAgent  string `json:"detected_agent,omitempty"`
	Text           string `json:"text"`
	Limit          int    `json:"limit,omitempty"`

	Context []ContextTurn `json:"context,omitempty"`

	// ExistingTaskID and Existing are set for look-ahead generation so
	// the service extends rather than replaces the checklist.
	ExistingTaskID string   `json:"existing_task_id,omitempty"`
	Existing       []string `json:"existing_checkpoints,omitempty"`
}

// GeneratedCheckpoint is one checkpoint proposed by the generator.
type GeneratedCheckpoint struct {
	Name           string   `json:"name"`
	Label          string   `json:"label,omitempty"`
	Type           string   `json:"type,omitempty"`
	ExpectedInputs []string `json:"expected_inputs,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare checkpoint name.
func (g *GeneratedCheckpoint) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*g = GeneratedCheckpoint{Name: name}
		return nil
	}
	type plain GeneratedCheckpoint
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	*g = GeneratedCheckpoint(p)
	return nil
}

// Generation is the checkpoint service's answer.
type Generation struct {
	Task            string                `json:"task"`
	Source          string                `json:"source,omitempty"`
	Checkpoints     []GeneratedCheckpoint `json:"checkpoints"`
	CheckpointTypes map[string]string     `json:"checkpoint_types,omitempty"`
	IsNewTask       bool                  `json:"is_new_task,omitempty"`
}

// TypeOf returns the type for a checkpoint, preferring the per-entry
// type over the CheckpointTypes table.
func (g *Generation) TypeOf(cp GeneratedCheckpoint) string {
	if cp.Type != "" {
		return cp.Type
	}
	return g.CheckpointTypes[cp.Name]
}

// GenerateCheckpoints calls the checkpoint generation service.
func (c *Caller) GenerateCheckpoints(ctx context.Context, req GenerateRequest, opts ...CallOption) (*Generation, error) {
	if c.checkpointURL == "" {
		return nil, &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Service: ServiceCheckpoint,
			Detail: "checkpoint url not configured"}
	}
	var gen Generation
	if err := c.CallJSON(ctx, c.checkpointURL, req, ServiceCheckpoint, &gen, opts...); err != nil {
		return nil, err
	}
	return &gen, nil
}
