package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specs(names ...string) []CheckpointSpec {
	out := make([]CheckpointSpec, len(names))
	for i, n := range names {
		out[i] = CheckpointSpec{Name: n}
	}
	return out
}

func fixedClock(c *Conversation, t time.Time) {
	c.now = func() time.Time { return t }
}

func TestNewConversationIsNewAndEmpty(t *testing.T) {
	c := NewConversation("c1", "ind-1")
	assert.True(t, c.IsNewConversation())
	assert.Empty(t, c.TaskStack)
	assert.Nil(t, c.CurrentCheckpoint())
	assert.Equal(t, Progress{}, c.CheckpointProgress())
}

func TestSetTasks(t *testing.T) {
	c := NewConversation("c1", "")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(c, now)

	task := c.SetTasks(
		[]CheckpointSpec{{Name: "greet"}, {Name: "identify_support", Type: "collect"}},
		"Reduce loneliness",
		map[string]string{"greet": "conversational", "identify_support": "ignored"},
	)

	require.Len(t, c.TaskStack, 1)
	assert.Same(t, task, c.ActiveTask())
	assert.True(t, task.IsActive)
	assert.Equal(t, 0, task.CurrentCheckpointIndex)
	assert.Equal(t, StatusInProgress, task.Checklist[0].Status)
	assert.Equal(t, now, task.Checklist[0].StartTime)
	assert.Equal(t, StatusPending, task.Checklist[1].Status)
	assert.Equal(t, "conversational", task.Checklist[0].Type)
	assert.Equal(t, "collect", task.Checklist[1].Type, "declared type wins over table")
	assert.Equal(t, "greet", c.CurrentCheckpoint().Name)
	assert.Contains(t, c.Dirty(), FieldTaskStack)
}

func TestSetTasksReplacesStack(t *testing.T) {
	c := NewConversation("c1", "")
	first := c.SetTasks(specs("a"), "one", nil)
	second := c.SetTasks(specs("b"), "two", nil)

	require.Len(t, c.TaskStack, 1)
	assert.NotEqual(t, first.TaskID, second.TaskID)
	assert.Equal(t, "two", c.ActiveTask().Label)
}

func TestMarkCheckpointCompleteAdvances(t *testing.T) {
	c := NewConversation("c1", "")
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(c, start)
	c.SetTasks(specs("greet", "identify_support", "plan"), "Reduce loneliness", nil)

	done := start.Add(time.Minute)
	fixedClock(c, done)
	require.True(t, c.MarkCheckpointComplete("greet", "hello there"))

	task := c.ActiveTask()
	greet := task.Checklist[0]
	assert.Equal(t, StatusComplete, greet.Status)
	assert.Equal(t, done, greet.EndTime)
	assert.Equal(t, []string{"hello there"}, greet.CollectedInputs)
	assert.Equal(t, 1, task.CurrentCheckpointIndex)
	assert.Equal(t, StatusInProgress, task.Checklist[1].Status)
	assert.Equal(t, "identify_support", c.CurrentCheckpoint().Name)
}

func TestMarkCheckpointCompleteIsIdempotent(t *testing.T) {
	c := NewConversation("c1", "")
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(c, start)
	c.SetTasks(specs("greet", "plan"), "task", nil)
	require.True(t, c.MarkCheckpointComplete("greet", "first"))

	before, err := json.Marshal(c.TaskStack)
	require.NoError(t, err)

	fixedClock(c, start.Add(time.Hour))
	assert.False(t, c.MarkCheckpointComplete("greet", "second"))

	after, err := json.Marshal(c.TaskStack)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "second completion must change nothing")
}

func TestMarkLastCheckpointDeactivatesTask(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("greet", "plan"), "task", nil)

	require.True(t, c.MarkCheckpointComplete("greet", ""))
	require.True(t, c.MarkCheckpointComplete("plan", ""))

	task := c.TaskStack[0]
	assert.False(t, task.IsActive)
	assert.Equal(t, 1, task.CurrentCheckpointIndex, "index never goes backwards or past the end")
	assert.Nil(t, c.ActiveTask())
	assert.Nil(t, c.CurrentCheckpoint())
	assert.Equal(t, 100.0, c.CheckpointProgress().Percent)
}

func TestMarkUnknownCheckpoint(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("greet"), "task", nil)
	assert.False(t, c.MarkCheckpointComplete("nope", ""))
	assert.Equal(t, 0, c.ActiveTask().CurrentCheckpointIndex)
}

func TestMarkOutOfOrderKeepsIndexOnFirstIncomplete(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("a", "b", "c"), "task", nil)

	require.True(t, c.MarkCheckpointComplete("b", ""))
	assert.Equal(t, 0, c.ActiveTask().CurrentCheckpointIndex)

	require.True(t, c.MarkCheckpointComplete("a", ""))
	assert.Equal(t, 2, c.ActiveTask().CurrentCheckpointIndex, "skips the already complete b")
}

func TestCurrentCheckpointScansBackToFront(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("a"), "older", nil)
	older := c.TaskStack[0]
	newer := &Task{TaskID: "t2", Label: "newer", IsActive: true, Checklist: []*Checkpoint{{Name: "x", Status: StatusInProgress}}}
	c.TaskStack = append(c.TaskStack, newer)

	assert.Equal(t, "x", c.CurrentCheckpoint().Name)
	newer.IsActive = false
	assert.Equal(t, "a", c.CurrentCheckpoint().Name)
	assert.Same(t, older, c.ActiveTask())
}

func TestIsSecondToLast(t *testing.T) {
	c := NewConversation("c1", "")
	task := c.SetTasks(specs("a", "b", "c"), "task", nil)
	assert.False(t, task.IsSecondToLast())
	c.MarkCheckpointComplete("a", "")
	assert.True(t, task.IsSecondToLast())
	c.MarkCheckpointComplete("b", "")
	assert.False(t, task.IsSecondToLast())
}

func TestAppendCheckpointsLookAhead(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("a", "b"), "task", nil)
	require.True(t, c.MarkCheckpointComplete("a", "done"))
	completed := *c.ActiveTask().Checklist[0]

	n := c.AppendCheckpoints(specs("b", "c", "d"), map[string]string{"c": "reflect"})
	assert.Equal(t, 2, n, "existing names are skipped")

	task := c.ActiveTask()
	assert.Equal(t, []string{"a", "b", "c", "d"}, task.Names())
	assert.Equal(t, completed, *task.Checklist[0], "completed entries untouched")
	assert.Equal(t, 1, task.CurrentCheckpointIndex)
	assert.Equal(t, "reflect", task.Checklist[2].Type)
}

func TestAppendCheckpointsReactivatesFinishedTask(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("a"), "task", nil)
	require.True(t, c.MarkCheckpointComplete("a", ""))
	require.Nil(t, c.ActiveTask())

	assert.Equal(t, 1, c.AppendCheckpoints(specs("b"), nil))
	task := c.ActiveTask()
	require.NotNil(t, task)
	assert.Equal(t, 1, task.CurrentCheckpointIndex)
	assert.Equal(t, StatusInProgress, task.Checklist[1].Status)
}

func TestAppendCheckpointsWithoutTasks(t *testing.T) {
	c := NewConversation("c1", "")
	assert.Zero(t, c.AppendCheckpoints(specs("a"), nil))
}

func TestAppendContextWindow(t *testing.T) {
	c := NewConversation("c1", "")
	for i := 0; i < 20; i++ {
		c.AppendContext(ContextEntry{Query: "q", Response: "r"}, 16)
	}
	assert.Len(t, c.Context, 16)
	assert.Len(t, c.CompleteContext, 20)
	assert.Len(t, c.RecentContext(4), 4)
	assert.Contains(t, c.Dirty(), FieldContext)
}

func TestSyncResultsConsumedOnce(t *testing.T) {
	c := NewConversation("c1", "")
	c.AddSyncResult(AgentResult{AgentName: "anxiety", Status: ResultSuccess, MessageToUser: "breathe"})
	c.AddSyncResult(AgentResult{AgentName: "anxiety", Status: ResultSuccess, MessageToUser: "again"})

	first := c.ConsumeSyncResults()
	require.Len(t, first["anxiety"], 2)
	assert.True(t, first["anxiety"][0].Consumed)
	assert.Empty(t, c.ConsumeSyncResults(), "consumed results are never handed out twice")

	c.AddSyncResult(AgentResult{AgentName: "anxiety", Status: ResultPartial})
	assert.Len(t, c.ConsumeSyncResults()["anxiety"], 1)
}

func TestAsyncResultLatestWins(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetAsyncResult(AgentResult{AgentName: "summary", MessageToUser: "old"})
	c.SetAsyncResult(AgentResult{AgentName: "summary", MessageToUser: "new"})
	assert.Len(t, c.AsyncAgentResults, 1)
	assert.Equal(t, "new", c.AsyncAgentResults["summary"].MessageToUser)
}

func TestSetIdentityOverwrites(t *testing.T) {
	c := NewConversation("c1", "ind-old")
	c.UserProfileID = "profile-old"
	c.SetIdentity("ind-new", "", "anxiety", "inst", "call")
	assert.Equal(t, "ind-new", c.IndividualID)
	assert.Empty(t, c.UserProfileID, "identity is replaced, not merged")
	assert.Equal(t, "anxiety", c.DetectedAgent)
}

func TestSummary(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("a", "b"), "Reduce loneliness", nil)
	c.MarkCheckpointComplete("a", "")
	c.AddSyncResult(AgentResult{AgentName: "x"})
	c.AppendContext(ContextEntry{Query: "q"}, 16)

	s := c.Summary()
	assert.Equal(t, "Reduce loneliness", s.ActiveTask)
	assert.Equal(t, 1, s.Progress.Completed)
	assert.Equal(t, 2, s.Progress.Total)
	assert.Equal(t, "b", s.Progress.Current)
	assert.Equal(t, 1, s.PendingResults)
	assert.Equal(t, 1, s.ContextTurns)
}

func TestCheckpointStatusNeverRegresses(t *testing.T) {
	cp := &Checkpoint{Status: StatusComplete}
	cp.advance(StatusInProgress, time.Now())
	assert.Equal(t, StatusComplete, cp.Status)
}

func TestReplaceTasksSettlesStack(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("old"), "old", nil)
	c.clearDirty()

	older := &Task{TaskID: "t1", Label: "first", IsActive: true, Checklist: []*Checkpoint{
		{Name: "a", Status: StatusPending},
	}}
	latest := &Task{TaskID: "t2", Label: "second", IsActive: true, CurrentCheckpointIndex: 2, Checklist: []*Checkpoint{
		{Name: "x", Status: StatusComplete},
		{Name: "y", Status: StatusPending},
		nil,
		{Name: "z", Status: StatusPending},
	}}
	require.True(t, c.ReplaceTasks([]*Task{older, nil, latest}))

	require.Len(t, c.TaskStack, 2)
	assert.False(t, older.IsActive, "only the last active task stays active")
	assert.Equal(t, latest, c.ActiveTask())
	assert.Len(t, latest.Checklist, 3)
	assert.Equal(t, 1, latest.CurrentCheckpointIndex)
	assert.Equal(t, "y", c.CurrentCheckpoint().Name)
	assert.Equal(t, StatusInProgress, latest.Checklist[1].Status)
	assert.Equal(t, []string{FieldTaskStack}, c.Dirty())
}

func TestReplaceTasksDeactivatesFinishedTask(t *testing.T) {
	c := NewConversation("c1", "")
	done := &Task{TaskID: "t1", IsActive: true, CurrentCheckpointIndex: 7, Checklist: []*Checkpoint{
		{Name: "a", Status: StatusComplete},
	}}
	require.True(t, c.ReplaceTasks([]*Task{done}))

	assert.False(t, done.IsActive)
	assert.Zero(t, done.CurrentCheckpointIndex)
	assert.Nil(t, c.ActiveTask())
	assert.Nil(t, c.CurrentCheckpoint())
}

func TestReplaceTasksRefusesEmptyStack(t *testing.T) {
	c := NewConversation("c1", "")
	c.SetTasks(specs("a", "b"), "keep", nil)
	c.clearDirty()

	assert.False(t, c.ReplaceTasks([]*Task{}))
	assert.False(t, c.ReplaceTasks([]*Task{nil}))
	require.Len(t, c.TaskStack, 1)
	assert.Equal(t, "keep", c.ActiveTask().Label)
	assert.False(t, c.IsDirty())
}
