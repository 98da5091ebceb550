package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btalk/btalk-go/internal/chat"
	"github.com/btalk/btalk-go/internal/signal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCallHistoryRoundTrip(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.RecordCallStart(&signal.CallRequest{
		CallID:         "c1",
		CallerID:       1,
		RecipientID:    2,
		ConversationID: 10,
		Status:         signal.StatusRinging,
		CallType:       signal.CallPrivate,
	}))
	require.NoError(t, db.RecordCallEnd("c1", OutcomeCompleted, 95*time.Second))

	records, err := db.RecentCalls(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c1", records[0].CallID)
	assert.Equal(t, OutcomeCompleted, records[0].Outcome)
	assert.Equal(t, int64(95), records[0].DurationSecs)
	assert.Equal(t, signal.CallPrivate, records[0].CallType)
	assert.False(t, records[0].EndedAt.Before(records[0].StartedAt))
}

func TestUnresolvedCallStaysMissed(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.RecordCallStart(&signal.CallRequest{
		CallID: "c1", CallerID: 1, ConversationID: 10, CallType: signal.CallGroup,
	}))

	records, err := db.RecentCalls(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeMissed, records[0].Outcome)
	// No ended_at yet; the record falls back to the start time.
	assert.Equal(t, records[0].StartedAt, records[0].EndedAt)
}

func TestRecordCallEndUnknownCall(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.RecordCallEnd("ghost", OutcomeCompleted, time.Minute))
}

func TestRecentCallsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, db.RecordCallStart(&signal.CallRequest{
			CallID: id, CallerID: 1, ConversationID: int64(i), CallType: signal.CallPrivate,
		}))
		time.Sleep(5 * time.Millisecond)
	}

	records, err := db.RecentCalls(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c3", records[0].CallID)
	assert.Equal(t, "c2", records[1].CallID)
}

func TestMessageArchive(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msgs := []chat.Message{
		{MessageID: 2, ConversationID: 10, SenderID: 1, Content: "b", MessageType: chat.MessageText, Status: chat.StatusSent, SentAt: base.Add(time.Minute)},
		{MessageID: 1, ConversationID: 10, SenderID: 2, Content: "a", MessageType: chat.MessageText, Status: chat.StatusSeen, SentAt: base},
		{ConversationID: 10, SenderID: 1, Content: "no id, skipped", MessageType: chat.MessageText, Status: chat.StatusSent, SentAt: base},
	}
	require.NoError(t, db.SaveMessages(msgs))
	// Upserting the same batch again must not duplicate.
	require.NoError(t, db.SaveMessages(msgs))

	got, err := db.Messages(10, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].MessageID)
	assert.Equal(t, int64(2), got[1].MessageID)
	assert.Equal(t, chat.StatusSeen, got[0].Status)
}

func TestMessagesLimitKeepsNewest(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC().Truncate(time.Second)

	var msgs []chat.Message
	for i := 1; i <= 5; i++ {
		msgs = append(msgs, chat.Message{
			MessageID: int64(i), ConversationID: 10, SenderID: 1,
			MessageType: chat.MessageText, Status: chat.StatusSent,
			SentAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, db.SaveMessages(msgs))

	got, err := db.Messages(10, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].MessageID)
	assert.Equal(t, int64(5), got[1].MessageID)
}

func TestPruneMessages(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC()

	require.NoError(t, db.SaveMessages([]chat.Message{
		{MessageID: 1, ConversationID: 10, SenderID: 1, MessageType: chat.MessageText, Status: chat.StatusSent, SentAt: base.Add(-48 * time.Hour)},
		{MessageID: 2, ConversationID: 10, SenderID: 1, MessageType: chat.MessageText, Status: chat.StatusSent, SentAt: base},
	}))

	n, err := db.PruneMessages(base.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.Messages(10, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].MessageID)
}
