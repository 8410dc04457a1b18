package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "turns_test.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err, "NewStore(%q)", dbPath)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *Store, recs ...Record) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, s.Record(context.Background(), rec))
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	record(t, s,
		Record{Timestamp: now, RequestID: "r1", ConversationID: "c1", Service: "loneliness", Status: 200, ElapsedMS: 100, Checkpoint: "greet", CheckpointComplete: true},
		Record{Timestamp: now, RequestID: "r2", ConversationID: "c1", Service: "loneliness", Status: 200, ElapsedMS: 300},
		Record{Timestamp: now, RequestID: "r3", ConversationID: "c2", Service: "anxiety", Status: 502, ElapsedMS: 800},
	)

	sum, err := s.Summary(context.Background(), now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalTurns)
	assert.Equal(t, 1, sum.FailedTurns)
	assert.Equal(t, 1, sum.CheckpointsComplete)
	assert.InDelta(t, 400, sum.AvgElapsedMS, 0.001)
	assert.InDelta(t, 800, sum.MaxElapsedMS, 0.001)
}

func TestSummaryByService(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	record(t, s,
		Record{Timestamp: now, RequestID: "r1", ConversationID: "c1", Service: "loneliness", Status: 200, ElapsedMS: 10},
		Record{Timestamp: now, RequestID: "r2", ConversationID: "c1", Service: "loneliness", Status: 200, ElapsedMS: 30},
		Record{Timestamp: now, RequestID: "r3", ConversationID: "c2", Status: 500},
	)

	result, err := s.SummaryByService(context.Background(), now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, result, 2)

	require.Contains(t, result, "loneliness")
	assert.Equal(t, 2, result["loneliness"].TotalTurns)
	assert.InDelta(t, 20, result["loneliness"].AvgElapsedMS, 0.001)

	// Turns that failed before routing are grouped under "".
	require.Contains(t, result, "")
	assert.Equal(t, 1, result[""].FailedTurns)
}

func TestSummaryByOutcome(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	record(t, s,
		Record{Timestamp: now, RequestID: "r1", ConversationID: "c", Status: 200},
		Record{Timestamp: now, RequestID: "r2", ConversationID: "c", Status: 422},
		Record{Timestamp: now, RequestID: "r3", ConversationID: "c", Status: 504},
		Record{Timestamp: now, RequestID: "r4", ConversationID: "c", Status: 503},
		Record{Timestamp: now, RequestID: "r5", ConversationID: "c", Status: 500},
	)

	result, err := s.SummaryByOutcome(context.Background(), now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)

	want := map[string]int{
		string(OutcomeOK):            1,
		string(OutcomeClientError):   1,
		string(OutcomeUpstreamError): 2,
		string(OutcomeInternalError): 1,
	}
	for outcome, n := range want {
		if assert.Contains(t, result, outcome) {
			assert.Equal(t, n, result[outcome].TotalTurns, outcome)
		}
	}
}

func TestSummary_Filters(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	record(t, s,
		Record{Timestamp: base.Add(-2 * time.Hour), RequestID: "old", ConversationID: "c", Status: 200},
		Record{Timestamp: base.Add(500 * time.Millisecond), RequestID: "in-range", ConversationID: "c", Status: 200},
		Record{Timestamp: base.Add(2 * time.Hour), RequestID: "future", ConversationID: "c", Status: 200},
	)

	sum, err := s.Summary(context.Background(), base, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalTurns, "only in-range")
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	sum, err := s.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, Summary{}, *sum)

	groups, err := s.SummaryByService(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, groups)
	assert.Empty(t, groups)
}

func TestConversation_NewestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	record(t, s,
		Record{Timestamp: base, RequestID: "r1", ConversationID: "c1", Service: "loneliness", Status: 200, Plan: "lite"},
		Record{Timestamp: base.Add(time.Second), RequestID: "r2", ConversationID: "c1", Service: "loneliness", Status: 200, Checkpoint: "greet", CheckpointComplete: true},
		Record{Timestamp: base.Add(2 * time.Second), RequestID: "r3", ConversationID: "other", Status: 200},
	)

	recs, err := s.Conversation(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "r2", recs[0].RequestID)
	assert.Equal(t, "r1", recs[1].RequestID)
	assert.True(t, recs[0].CheckpointComplete)
	assert.Equal(t, "greet", recs[0].Checkpoint)
	assert.NotEmpty(t, recs[0].ID, "ID is generated")
	assert.Equal(t, OutcomeOK, recs[1].Outcome)
	assert.Equal(t, "lite", recs[1].Plan)
	assert.True(t, recs[1].Timestamp.Equal(base), "Timestamp = %v, want %v", recs[1].Timestamp, base)

	recs, err = s.Conversation(context.Background(), "c1", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "limit applies")
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{200, OutcomeOK},
		{400, OutcomeClientError},
		{422, OutcomeClientError},
		{500, OutcomeInternalError},
		{502, OutcomeUpstreamError},
		{503, OutcomeUpstreamError},
		{504, OutcomeUpstreamError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeFor(tt.status), "OutcomeFor(%d)", tt.status)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/turns.db")
	assert.Error(t, err)
}
