package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// legacyFields is the flat checkpoint schema older deployments stored at
// the top level of a state document, before task stacks existed.
type legacyFields struct {
	Checkpoints       []json.RawMessage `json:"checkpoints"`
	CurrentCheckpoint json.RawMessage   `json:"current_checkpoint"`
	CheckpointTypes   map[string]string `json:"checkpoint_types"`
	Task              string            `json:"task"`
	CreatedAt         time.Time         `json:"created_at"`
}

type legacyCheckpoint struct {
	Name            string           `json:"name"`
	Label           string           `json:"label"`
	Type            string           `json:"type"`
	Status          CheckpointStatus `json:"status"`
	Complete        bool             `json:"complete"`
	ExpectedInputs  []string         `json:"expected_inputs"`
	CollectedInputs []string         `json:"collected_inputs"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
}

// Decode parses a stored state document. Documents in the legacy flat
// checkpoint schema are converted into a single task and marked dirty so
// the next save writes the current schema.
func Decode(raw []byte) (*Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}
	c.init()

	migrated, err := migrateLegacy(&c, raw)
	if err != nil {
		return nil, err
	}
	if migrated {
		c.MarkDirty(FieldTaskStack)
	}
	return &c, nil
}

// migrateLegacy converts top-level checkpoints/current_checkpoint into a
// Task. It only runs when the document has no task stack.
func migrateLegacy(c *Conversation, raw []byte) (bool, error) {
	if len(c.TaskStack) > 0 {
		return false, nil
	}
	var lf legacyFields
	if err := json.Unmarshal(raw, &lf); err != nil {
		return false, fmt.Errorf("decode legacy checkpoints: %w", err)
	}
	if len(lf.Checkpoints) == 0 {
		return false, nil
	}

	now := c.now()
	created := lf.CreatedAt
	if created.IsZero() {
		created = now
	}
	t := &Task{
		TaskID:    uuid.NewString(),
		Label:     lf.Task,
		Source:    "legacy",
		CreatedAt: created,
		UpdatedAt: now,
	}

	for i, item := range lf.Checkpoints {
		cp, err := decodeLegacyCheckpoint(item)
		if err != nil {
			return false, fmt.Errorf("legacy checkpoint %d: %w", i, err)
		}
		if cp.Type == "" {
			cp.Type = lf.CheckpointTypes[cp.Name]
		}
		t.Checklist = append(t.Checklist, cp)
	}

	current := legacyCurrentIndex(lf.CurrentCheckpoint, t)
	for i, cp := range t.Checklist {
		// Everything before the recorded current checkpoint was finished
		// under the old schema even if it carried no status.
		if i < current && cp.Status != StatusComplete {
			cp.advance(StatusComplete, now)
		}
	}

	next := t.firstIncomplete(0)
	if next >= 0 {
		t.IsActive = true
		t.CurrentCheckpointIndex = next
		t.Checklist[next].advance(StatusInProgress, now)
	} else {
		t.CurrentCheckpointIndex = len(t.Checklist) - 1
	}

	c.TaskStack = []*Task{t}
	return true, nil
}

func decodeLegacyCheckpoint(raw json.RawMessage) (*Checkpoint, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return &Checkpoint{ID: uuid.NewString(), Name: name, Label: name, Status: StatusPending}, nil
	}
	var lc legacyCheckpoint
	if err := json.Unmarshal(raw, &lc); err != nil {
		return nil, err
	}
	status := lc.Status
	if lc.Complete {
		status = StatusComplete
	}
	if status.rank() == 0 {
		status = StatusPending
	}
	label := lc.Label
	if label == "" {
		label = lc.Name
	}
	cp := &Checkpoint{
		ID:              uuid.NewString(),
		Name:            lc.Name,
		Label:           label,
		Type:            lc.Type,
		Status:          status,
		ExpectedInputs:  lc.ExpectedInputs,
		CollectedInputs: lc.CollectedInputs,
		StartTime:       lc.StartTime,
		EndTime:         lc.EndTime,
	}
	if cp.Status == StatusComplete && cp.EndTime.IsZero() {
		cp.EndTime = cp.StartTime
	}
	return cp, nil
}

// legacyCurrentIndex resolves current_checkpoint, stored either as a
// checkpoint name or a numeric index. Unknown values resolve to 0.
func legacyCurrentIndex(raw json.RawMessage, t *Task) int {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0
	}
	var idx int
	if err := json.Unmarshal(raw, &idx); err == nil {
		return clampIndex(idx, len(t.Checklist))
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return 0
	}
	if n, err := strconv.Atoi(name); err == nil {
		return clampIndex(n, len(t.Checklist))
	}
	for i, cp := range t.Checklist {
		if cp.Name == name {
			return i
		}
	}
	return 0
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
