// Package state holds the per-conversation task state machine and its
// persistence: loading through the cache and Memory service, rolling
// context windows, and rate-limited, dirty-gated saves.
//
// A Conversation carries a stack of Tasks; each Task walks an ordered
// checklist of Checkpoints. At most one task is active, and the active
// task's CurrentCheckpointIndex always points at its first checkpoint
// that is not complete. Checkpoint status only moves forward (pending,
// in_progress, complete) and a checkpoint's end time is fixed once set.
//
// A *Conversation is not safe for concurrent use. The orchestrator holds
// the conversation's turn lock (Manager.Lock) while mutating it.
package state

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CheckpointStatus is the forward-only progress of a checkpoint.
type CheckpointStatus string

const (
	StatusPending    CheckpointStatus = "pending"
	StatusInProgress CheckpointStatus = "in_progress"
	StatusComplete   CheckpointStatus = "complete"
)

func (s CheckpointStatus) rank() int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusComplete:
		return 2
	default:
		return 0
	}
}

// Checkpoint is one step of a task's checklist.
type Checkpoint struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Label           string           `json:"label,omitempty"`
	Type            string           `json:"type,omitempty"`
	Status          CheckpointStatus `json:"status"`
	ExpectedInputs  []string         `json:"expected_inputs,omitempty"`
	CollectedInputs []string         `json:"collected_inputs,omitempty"`
	StartTime       time.Time        `json:"start_time,omitzero"`
	EndTime         time.Time        `json:"end_time,omitzero"`
}

// advance moves the status forward; it never moves backwards.
func (c *Checkpoint) advance(to CheckpointStatus, now time.Time) {
	if to.rank() <= c.Status.rank() {
		return
	}
	c.Status = to
	if c.StartTime.IsZero() {
		c.StartTime = now
	}
	if to == StatusComplete && c.EndTime.IsZero() {
		c.EndTime = now
	}
}

// Task is a goal tracked through a checklist.
type Task struct {
	TaskID                 string        `json:"task_id"`
	Label                  string        `json:"label"`
	Source                 string        `json:"source,omitempty"`
	Checklist              []*Checkpoint `json:"checklist"`
	CurrentCheckpointIndex int           `json:"current_checkpoint_index"`
	IsActive               bool          `json:"is_active"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// firstIncomplete returns the index of the first non-complete checkpoint
// at or after from, or -1.
func (t *Task) firstIncomplete(from int) int {
	for i := max(from, 0); i < len(t.Checklist); i++ {
		if t.Checklist[i].Status != StatusComplete {
			return i
		}
	}
	return -1
}

// Completed returns the number of complete checkpoints.
func (t *Task) Completed() int {
	n := 0
	for _, cp := range t.Checklist {
		if cp.Status == StatusComplete {
			n++
		}
	}
	return n
}

// IsSecondToLast reports whether the current index is exactly the
// second-to-last checklist entry, the point at which look-ahead
// checkpoints are generated.
func (t *Task) IsSecondToLast() bool {
	return t.IsActive && len(t.Checklist) >= 2 && t.CurrentCheckpointIndex == len(t.Checklist)-2
}

// Names returns the checkpoint names in order.
func (t *Task) Names() []string {
	names := make([]string, len(t.Checklist))
	for i, cp := range t.Checklist {
		names[i] = cp.Name
	}
	return names
}

// ResultStatus is the outcome of a specialist invocation.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultPartial ResultStatus = "partial"
)

// AgentResult is what a specialist returned for a turn.
type AgentResult struct {
	AgentName      string         `json:"agent_name"`
	Status         ResultStatus   `json:"status"`
	Payload        map[string]any `json:"payload,omitempty"`
	MessageToUser  string         `json:"message_to_user,omitempty"`
	ActionRequired bool           `json:"action_required,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Consumed       bool           `json:"consumed,omitempty"`
}

// ContextEntry is one exchange in the conversation history.
type ContextEntry struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Plan      string    `json:"plan,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// CheckpointSpec describes a checkpoint to create.
type CheckpointSpec struct {
	Name           string
	Label          string
	Type           string
	ExpectedInputs []string
}

// Dirty field names.
const (
	FieldTaskStack    = "task_stack"
	FieldContext      = "context"
	FieldIdentity     = "identity"
	FieldAgentResults = "agent_results"
	FieldFlags        = "flags"
)

// Conversation is the full state of one conversation.
type Conversation struct {
	ConversationID  string `json:"conversation_id"`
	IndividualID    string `json:"individual_id,omitempty"`
	UserProfileID   string `json:"user_profile_id,omitempty"`
	DetectedAgent   string `json:"detected_agent,omitempty"`
	AgentInstanceID string `json:"agent_instance_id,omitempty"`
	CallLogID       string `json:"call_log_id,omitempty"`

	TaskStack       []*Task        `json:"task_stack"`
	Context         []ContextEntry `json:"context"`
	CompleteContext []ContextEntry `json:"complete_context"`

	AsyncAgentResults map[string]AgentResult   `json:"async_agent_results,omitempty"`
	SyncAgentResults  map[string][]AgentResult `json:"sync_agent_results,omitempty"`

	IsPaused               bool           `json:"is_paused"`
	PendingAgentInvocation map[string]any `json:"pending_agent_invocation,omitempty"`
	ResumeAfterSubtask     bool           `json:"resume_after_subtask"`
	PatientVerified        bool           `json:"patient_verified"`

	// Revision increases each time the state is written to the cache and
	// orders concurrent saves of the same conversation.
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`

	isNew bool
	dirty map[string]struct{}
	now   func() time.Time
}

// NewConversation returns an empty conversation marked new.
func NewConversation(id, individualID string) *Conversation {
	c := &Conversation{ConversationID: id, IndividualID: individualID, isNew: true}
	c.init()
	return c
}

func (c *Conversation) init() {
	if c.AsyncAgentResults == nil {
		c.AsyncAgentResults = make(map[string]AgentResult)
	}
	if c.SyncAgentResults == nil {
		c.SyncAgentResults = make(map[string][]AgentResult)
	}
	if c.dirty == nil {
		c.dirty = make(map[string]struct{})
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// IsNewConversation reports whether the conversation was just created or
// has no tasks yet.
func (c *Conversation) IsNewConversation() bool {
	return c.isNew || len(c.TaskStack) == 0
}

// MarkDirty records fields changed since the last save.
func (c *Conversation) MarkDirty(fields ...string) {
	c.init()
	for _, f := range fields {
		c.dirty[f] = struct{}{}
	}
	c.UpdatedAt = c.now()
}

// Dirty returns the changed fields in sorted order.
func (c *Conversation) Dirty() []string {
	out := make([]string, 0, len(c.dirty))
	for f := range c.dirty {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// IsDirty reports whether anything changed since the last save.
func (c *Conversation) IsDirty() bool { return len(c.dirty) > 0 }

func (c *Conversation) clearDirty() {
	clear(c.dirty)
	c.isNew = false
}

// SetIdentity overwrites the per-turn identifiers from the inbound query.
// Values are replaced, never merged.
func (c *Conversation) SetIdentity(individualID, userProfileID, detectedAgent, agentInstanceID, callLogID string) {
	c.IndividualID = individualID
	c.UserProfileID = userProfileID
	c.DetectedAgent = detectedAgent
	c.AgentInstanceID = agentInstanceID
	c.CallLogID = callLogID
	c.MarkDirty(FieldIdentity)
}

// SetTasks replaces the task stack with a single active task built from
// checkpoints. The first checkpoint starts in progress. types supplies a
// type for checkpoints that declare none.
func (c *Conversation) SetTasks(checkpoints []CheckpointSpec, task string, types map[string]string) *Task {
	c.init()
	now := c.now()
	t := &Task{
		TaskID:    uuid.NewString(),
		Label:     task,
		Source:    "checkpoint_generator",
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, cs := range checkpoints {
		t.Checklist = append(t.Checklist, newCheckpoint(cs, types))
	}
	if len(t.Checklist) > 0 {
		t.IsActive = true
		t.Checklist[0].advance(StatusInProgress, now)
	}
	c.TaskStack = []*Task{t}
	c.MarkDirty(FieldTaskStack)
	return t
}

func newCheckpoint(cs CheckpointSpec, types map[string]string) *Checkpoint {
	typ := cs.Type
	if typ == "" {
		typ = types[cs.Name]
	}
	label := cs.Label
	if label == "" {
		label = cs.Name
	}
	return &Checkpoint{
		ID:             uuid.NewString(),
		Name:           cs.Name,
		Label:          label,
		Type:           typ,
		Status:         StatusPending,
		ExpectedInputs: slices.Clone(cs.ExpectedInputs),
	}
}

// ActiveTask returns the last active task on the stack, or nil.
func (c *Conversation) ActiveTask() *Task {
	for i := len(c.TaskStack) - 1; i >= 0; i-- {
		if c.TaskStack[i].IsActive {
			return c.TaskStack[i]
		}
	}
	return nil
}

// CurrentCheckpoint scans the stack back to front for the last active
// task whose checkpoint at the current index is not complete.
func (c *Conversation) CurrentCheckpoint() *Checkpoint {
	for i := len(c.TaskStack) - 1; i >= 0; i-- {
		t := c.TaskStack[i]
		if !t.IsActive {
			continue
		}
		idx := t.CurrentCheckpointIndex
		if idx >= 0 && idx < len(t.Checklist) && t.Checklist[idx].Status != StatusComplete {
			return t.Checklist[idx]
		}
	}
	return nil
}

// MarkCheckpointComplete completes the named checkpoint of an active task,
// records text as a collected input, and advances the task to its next
// incomplete checkpoint, deactivating the task when none remain. It
// reports false, changing nothing, if the checkpoint is unknown or was
// already complete.
func (c *Conversation) MarkCheckpointComplete(name, text string) bool {
	c.init()
	now := c.now()
	for i := len(c.TaskStack) - 1; i >= 0; i-- {
		t := c.TaskStack[i]
		if !t.IsActive {
			continue
		}
		for _, cp := range t.Checklist {
			if cp.Name != name {
				continue
			}
			if cp.Status == StatusComplete {
				return false
			}
			cp.advance(StatusComplete, now)
			if text != "" {
				cp.CollectedInputs = append(cp.CollectedInputs, text)
			}
			c.settle(t, now)
			c.MarkDirty(FieldTaskStack)
			return true
		}
	}
	return false
}

// ReplaceTasks swaps in a task stack supplied by a downstream service and
// re-establishes the stack invariants: nil entries are dropped, only the
// last active task stays active, and the active task points at its first
// incomplete checkpoint (or is deactivated when none remain). An empty
// stack is refused and reported as false, leaving the current one.
func (c *Conversation) ReplaceTasks(tasks []*Task) bool {
	c.init()
	stack := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t == nil {
			continue
		}
		t.Checklist = slices.DeleteFunc(t.Checklist, func(cp *Checkpoint) bool { return cp == nil })
		stack = append(stack, t)
	}
	if len(stack) == 0 {
		return false
	}

	now := c.now()
	active := false
	for i := len(stack) - 1; i >= 0; i-- {
		t := stack[i]
		if !t.IsActive {
			continue
		}
		if active {
			t.IsActive = false
			t.UpdatedAt = now
			continue
		}
		t.CurrentCheckpointIndex = 0
		c.settle(t, now)
		active = t.IsActive
	}
	for _, t := range stack {
		if !t.IsActive {
			t.CurrentCheckpointIndex = min(max(t.CurrentCheckpointIndex, 0), max(len(t.Checklist)-1, 0))
		}
	}

	c.TaskStack = stack
	c.MarkDirty(FieldTaskStack)
	return true
}

// settle re-points the task at its first incomplete checkpoint at or
// after the current index, or deactivates it.
func (c *Conversation) settle(t *Task, now time.Time) {
	t.UpdatedAt = now
	next := t.firstIncomplete(t.CurrentCheckpointIndex)
	if next < 0 {
		t.IsActive = false
		return
	}
	t.CurrentCheckpointIndex = next
	t.Checklist[next].advance(StatusInProgress, now)
}

// AppendCheckpoints extends the active task's checklist with look-ahead
// checkpoints, skipping names it already has. Completed entries are not
// touched. With no active task, the most recent task is extended and
// reactivated. It returns the number appended.
func (c *Conversation) AppendCheckpoints(checkpoints []CheckpointSpec, types map[string]string) int {
	c.init()
	t := c.ActiveTask()
	if t == nil {
		if len(c.TaskStack) == 0 {
			return 0
		}
		t = c.TaskStack[len(c.TaskStack)-1]
	}

	have := make(map[string]bool, len(t.Checklist))
	for _, cp := range t.Checklist {
		have[cp.Name] = true
	}
	added := 0
	for _, cs := range checkpoints {
		if cs.Name == "" || have[cs.Name] {
			continue
		}
		have[cs.Name] = true
		t.Checklist = append(t.Checklist, newCheckpoint(cs, types))
		added++
	}
	if added == 0 {
		return 0
	}

	now := c.now()
	if !t.IsActive {
		t.IsActive = true
	}
	c.settle(t, now)
	c.MarkDirty(FieldTaskStack)
	return added
}

// AppendContext records an exchange in both histories, trimming the
// rolling window to window entries.
func (c *Conversation) AppendContext(e ContextEntry, window int) {
	c.init()
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	c.Context = append(c.Context, e)
	if window > 0 && len(c.Context) > window {
		c.Context = slices.Clone(c.Context[len(c.Context)-window:])
	}
	c.CompleteContext = append(c.CompleteContext, e)
	c.MarkDirty(FieldContext)
}

// RecentContext returns up to n of the latest exchanges.
func (c *Conversation) RecentContext(n int) []ContextEntry {
	if n <= 0 || n >= len(c.Context) {
		return slices.Clone(c.Context)
	}
	return slices.Clone(c.Context[len(c.Context)-n:])
}

// AddSyncResult appends an unconsumed result for the named specialist.
func (c *Conversation) AddSyncResult(r AgentResult) {
	c.init()
	if r.Timestamp.IsZero() {
		r.Timestamp = c.now()
	}
	r.Consumed = false
	c.SyncAgentResults[r.AgentName] = append(c.SyncAgentResults[r.AgentName], r)
	c.MarkDirty(FieldAgentResults)
}

// SetAsyncResult stores the latest result for the named specialist,
// replacing any earlier one.
func (c *Conversation) SetAsyncResult(r AgentResult) {
	c.init()
	if r.Timestamp.IsZero() {
		r.Timestamp = c.now()
	}
	c.AsyncAgentResults[r.AgentName] = r
	c.MarkDirty(FieldAgentResults)
}

// ConsumeSyncResults returns every unconsumed sync result, marking each
// consumed so it is handed out at most once.
func (c *Conversation) ConsumeSyncResults() map[string][]AgentResult {
	out := make(map[string][]AgentResult)
	for name, results := range c.SyncAgentResults {
		for i := range results {
			if results[i].Consumed {
				continue
			}
			results[i].Consumed = true
			out[name] = append(out[name], results[i])
		}
	}
	if len(out) > 0 {
		c.MarkDirty(FieldAgentResults)
	}
	return out
}

// Progress is the checkpoint progress of the active (or latest) task.
type Progress struct {
	TaskID    string  `json:"task_id,omitempty"`
	Task      string  `json:"task,omitempty"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
	Current   string  `json:"current,omitempty"`
	Index     int     `json:"current_index"`
	Active    bool    `json:"active"`
}

// CheckpointProgress reports progress through the active task, or the
// most recent task when none is active.
func (c *Conversation) CheckpointProgress() Progress {
	t := c.ActiveTask()
	if t == nil && len(c.TaskStack) > 0 {
		t = c.TaskStack[len(c.TaskStack)-1]
	}
	if t == nil {
		return Progress{}
	}
	p := Progress{
		TaskID:    t.TaskID,
		Task:      t.Label,
		Completed: t.Completed(),
		Total:     len(t.Checklist),
		Index:     t.CurrentCheckpointIndex,
		Active:    t.IsActive,
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	if cp := c.CurrentCheckpoint(); cp != nil {
		p.Current = cp.Name
	}
	return p
}

// Summary is a compact view of the conversation for responses and logs.
type Summary struct {
	ConversationID string   `json:"conversation_id"`
	DetectedAgent  string   `json:"detected_agent,omitempty"`
	Tasks          int      `json:"tasks"`
	ActiveTask     string   `json:"active_task,omitempty"`
	Progress       Progress `json:"progress"`
	ContextTurns   int      `json:"context_turns"`
	PendingResults int      `json:"pending_results"`
	IsPaused       bool     `json:"is_paused"`
	IsNew          bool     `json:"is_new"`
}

// Summary returns a read-only summary.
func (c *Conversation) Summary() Summary {
	s := Summary{
		ConversationID: c.ConversationID,
		DetectedAgent:  c.DetectedAgent,
		Tasks:          len(c.TaskStack),
		Progress:       c.CheckpointProgress(),
		ContextTurns:   len(c.CompleteContext),
		IsPaused:       c.IsPaused,
		IsNew:          c.IsNewConversation(),
	}
	if t := c.ActiveTask(); t != nil {
		s.ActiveTask = t.Label
	}
	for _, results := range c.SyncAgentResults {
		for _, r := range results {
			if !r.Consumed {
				s.PendingResults++
			}
		}
	}
	return s
}
