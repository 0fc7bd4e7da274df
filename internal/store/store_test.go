package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/budget"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndLoadConversation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id1, err := s.AppendMessage(ctx, "c1", "u1", "user", "How do I   parse JSON in Go?")
	require.NoError(t, err)
	id2, err := s.AppendMessage(ctx, "c1", "u1", "assistant", "Use encoding/json.")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	c, err := s.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "How do I parse JSON in Go?", c.Title)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "user", c.Messages[0].Role)
	assert.Equal(t, id2, c.Messages[1].ID)
	assert.Equal(t, "Use encoding/json.", c.Messages[1].Content)
}

func TestConversationNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Conversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSummaries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.AppendMessage(ctx, "old", "u1", "user", "first")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = s.AppendMessage(ctx, "new", "u1", "user", "second")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "new", "u1", "assistant", "reply")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "other", "u2", "user", "not mine")
	require.NoError(t, err)

	sums, err := s.ListSummaries(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, "new", sums[0].ID)
	assert.Equal(t, 2, sums[0].MessageCount)
	assert.Equal(t, "old", sums[1].ID)

	sums, err = s.ListSummaries(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestTitleTruncated(t *testing.T) {
	long := ""
	for i := 0; i < 80; i++ {
		long += "é"
	}
	got := title(long)
	assert.Equal(t, maxTitleRunes+3, len([]rune(got)))
}

func TestUsageSums(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	day := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	records := []budget.UsageRecord{
		{UserID: "u1", Model: "m", InputTokens: 10, OutputTokens: 20, Cost: 0.25, CreatedAt: day.Add(-time.Hour)},
		{UserID: "u1", Model: "m", InputTokens: 10, OutputTokens: 20, Cost: 0.5, CreatedAt: day.Add(time.Hour)},
		{UserID: "u2", Model: "m", InputTokens: 1, OutputTokens: 2, Cost: 1.0, CreatedAt: day.Add(2 * time.Hour)},
	}
	for _, r := range records {
		require.NoError(t, s.RecordUsage(ctx, r))
	}

	total, err := s.SumCostSince(ctx, "u1", day)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, total, 1e-9)

	total, err = s.SumCostSince(ctx, "nobody", day)
	require.NoError(t, err)
	assert.Zero(t, total)

	byUser, err := s.CostByUserSince(ctx, day.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, byUser["u1"], 1e-9)
	assert.InDelta(t, 1.0, byUser["u2"], 1e-9)
}

func TestEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, Event{UserID: "u1", Kind: "turn", Data: map[string]any{"intent": "code"}}))
	require.NoError(t, s.RecordEvent(ctx, Event{UserID: "u2", Kind: "turn"}))
	require.NoError(t, s.RecordEvent(ctx, Event{UserID: "u1", Kind: "other"}))

	evs, err := s.Events(ctx, "turn", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "u2", evs[0].UserID)
	assert.Equal(t, "code", evs[1].Data["intent"])
}

func TestMemoriesDeduplicated(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	added, err := s.SaveMemory(ctx, "u1", "prefers Go", "turn")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.SaveMemory(ctx, "u1", "prefers Go", "turn")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = s.SaveMemory(ctx, "u1", "lives in Lisbon", "")
	require.NoError(t, err)

	mems, err := s.Memories(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, mems, 2)
	assert.Equal(t, "lives in Lisbon", mems[0].Content)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "chat.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "c1", "u1", "user", "hello")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))
	c, err := s.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, c.Messages, 1)
}
