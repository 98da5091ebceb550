package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(id, convID, senderID int64, at time.Time) Message {
	return Message{
		MessageID:      id,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        "m",
		MessageType:    MessageText,
		SentAt:         at,
		Status:         StatusSent,
	}
}

func TestAppendMessageDeduplicates(t *testing.T) {
	s := NewStore(1)
	now := time.Now()

	// The same message arrives via the send response and the push topic.
	s.AppendMessage(msgAt(100, 10, 1, now))
	s.AppendMessage(msgAt(100, 10, 1, now))

	assert.Len(t, s.Messages(10), 1)
}

func TestAppendMessageKeepsOrder(t *testing.T) {
	s := NewStore(1)
	base := time.Now()

	s.AppendMessage(msgAt(1, 10, 2, base))
	s.AppendMessage(msgAt(3, 10, 2, base.Add(2*time.Second)))
	// Out-of-order delivery: an older message lands after a newer one.
	s.AppendMessage(msgAt(2, 10, 2, base.Add(time.Second)))

	msgs := s.Messages(10)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(1), msgs[0].MessageID)
	assert.Equal(t, int64(2), msgs[1].MessageID)
	assert.Equal(t, int64(3), msgs[2].MessageID)
}

func TestAppendMessageUnreadCounting(t *testing.T) {
	s := NewStore(1)
	s.UpsertConversation(&Conversation{ConversationID: 10})
	s.UpsertConversation(&Conversation{ConversationID: 20})
	s.SetActiveConversation(10)

	now := time.Now()
	// Message in the active conversation: no unread increment.
	s.AppendMessage(msgAt(1, 10, 2, now))
	// Own message in a background conversation: no unread increment.
	s.AppendMessage(msgAt(2, 20, 1, now))
	// Someone else's message in a background conversation: unread++.
	s.AppendMessage(msgAt(3, 20, 2, now))

	assert.Equal(t, 0, s.Conversation(10).UnreadCount)
	assert.Equal(t, 1, s.Conversation(20).UnreadCount)

	// Opening the conversation clears the counter.
	s.SetActiveConversation(20)
	assert.Equal(t, 0, s.Conversation(20).UnreadCount)
}

func TestBackwardsPagination(t *testing.T) {
	s := NewStore(1)
	base := time.Now()

	// Newest page of 20.
	page1 := make([]Message, 0, 20)
	for i := 20; i < 40; i++ {
		page1 = append(page1, msgAt(int64(i), 10, 2, base.Add(time.Duration(i)*time.Second)))
	}
	s.ReplaceMessages(10, page1)
	require.Len(t, s.Messages(10), 20)

	// Older page fetched with before=<oldest sentAt>, overlapping one entry.
	page2 := make([]Message, 0, 21)
	for i := 0; i < 21; i++ {
		page2 = append(page2, msgAt(int64(i), 10, 2, base.Add(time.Duration(i)*time.Second)))
	}
	s.PrependMessages(10, page2)

	msgs := s.Messages(10)
	require.Len(t, msgs, 40)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].SentAt.Before(msgs[i-1].SentAt), "order broken at %d", i)
		assert.NotEqual(t, msgs[i].MessageID, msgs[i-1].MessageID)
	}
	assert.Equal(t, int64(0), msgs[0].MessageID)
	assert.Equal(t, int64(39), msgs[39].MessageID)
}

// cachedConv reads the store's internal entry, bypassing the snapshot
// accessors, to observe merge identity decisions directly.
func cachedConv(s *Store, id int64) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[id]
}

func TestMergeConversationsPreservesIdentity(t *testing.T) {
	s := NewStore(1)
	list := []*Conversation{
		{ConversationID: 10, Name: "alpha", Participants: []Participant{{UserID: 1}, {UserID: 2}}},
		{ConversationID: 20, Name: "beta", Participants: []Participant{{UserID: 1}, {UserID: 3}}},
	}
	s.MergeConversations(list)
	before := cachedConv(s, 10)

	// Re-fetching the identical list must keep the same pointers.
	refetch := []*Conversation{
		{ConversationID: 10, Name: "alpha", Participants: []Participant{{UserID: 1}, {UserID: 2}}},
		{ConversationID: 20, Name: "beta", Participants: []Participant{{UserID: 1}, {UserID: 3}}},
	}
	s.MergeConversations(refetch)
	assert.Same(t, before, cachedConv(s, 10))

	// A changed entry gets replaced, untouched ones keep identity.
	changed := []*Conversation{
		{ConversationID: 10, Name: "renamed", Participants: []Participant{{UserID: 1}, {UserID: 2}}},
		{ConversationID: 20, Name: "beta", Participants: []Participant{{UserID: 1}, {UserID: 3}}},
	}
	keep := cachedConv(s, 20)
	s.MergeConversations(changed)
	assert.NotSame(t, before, cachedConv(s, 10))
	assert.Equal(t, "renamed", s.Conversation(10).Name)
	assert.Same(t, keep, cachedConv(s, 20))
}

func TestMergeConversationsSameSizeMembershipChange(t *testing.T) {
	s := NewStore(1)
	s.MergeConversations([]*Conversation{
		{ConversationID: 10, Name: "alpha", Participants: []Participant{{UserID: 1}, {UserID: 2}}},
	})
	before := cachedConv(s, 10)

	// One member swapped for another; the list size is unchanged.
	s.MergeConversations([]*Conversation{
		{ConversationID: 10, Name: "alpha", Participants: []Participant{{UserID: 1}, {UserID: 3}}},
	})
	conv := s.Conversation(10)
	require.Len(t, conv.Participants, 2)
	assert.Equal(t, int64(3), conv.Participants[1].UserID)
	assert.NotSame(t, before, cachedConv(s, 10))

	// A username update alone is also a change.
	s.MergeConversations([]*Conversation{
		{ConversationID: 10, Name: "alpha", Participants: []Participant{{UserID: 1}, {UserID: 3, Username: "carol"}}},
	})
	assert.Equal(t, "carol", s.Conversation(10).Participants[1].Username)
}

func TestConversationAccessorsReturnCopies(t *testing.T) {
	s := NewStore(1)
	s.MergeConversations([]*Conversation{
		{ConversationID: 10, Name: "alpha", Participants: []Participant{{UserID: 1}}, LastMessage: &Message{MessageID: 5}},
	})

	got := s.Conversation(10)
	got.Name = "mutated"
	got.Participants[0].UserID = 99
	got.LastMessage.MessageID = 42

	fresh := s.Conversation(10)
	assert.Equal(t, "alpha", fresh.Name)
	assert.Equal(t, int64(1), fresh.Participants[0].UserID)
	assert.Equal(t, int64(5), fresh.LastMessage.MessageID)

	s.SetActiveConversation(10)
	s.Active().Name = "mutated again"
	s.Conversations()[0].Name = "and again"
	assert.Equal(t, "alpha", s.Conversation(10).Name)
}

func TestMergeConversationFallbacks(t *testing.T) {
	s := NewStore(1)
	last := &Message{MessageID: 5, ConversationID: 10}
	s.MergeConversations([]*Conversation{
		{ConversationID: 10, Name: "alpha", Participants: []Participant{{UserID: 1}}, LastMessage: last},
	})

	// A sparse push update keeps the cached participants and last message.
	s.UpsertConversation(&Conversation{ConversationID: 10, Name: "alpha", UnreadCount: 2})

	conv := s.Conversation(10)
	require.NotNil(t, conv)
	assert.Equal(t, 2, conv.UnreadCount)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(5), conv.LastMessage.MessageID)
	assert.Len(t, conv.Participants, 1)
}

func TestUpsertNewConversationFirstAndAutoActivate(t *testing.T) {
	s := NewStore(1)
	s.MergeConversations([]*Conversation{{ConversationID: 10, Name: "old"}})

	s.UpsertConversation(&Conversation{
		ConversationID: 20,
		Name:           "new",
		Participants:   []Participant{{UserID: 1}, {UserID: 2}},
	})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, int64(20), convs[0].ConversationID)

	// Nothing was active; the new conversation including us becomes active.
	require.NotNil(t, s.Active())
	assert.Equal(t, int64(20), s.Active().ConversationID)

	// A later new conversation must not steal the active slot.
	s.UpsertConversation(&Conversation{
		ConversationID: 30,
		Participants:   []Participant{{UserID: 1}, {UserID: 3}},
	})
	assert.Equal(t, int64(20), s.Active().ConversationID)
}

func TestUpsertNotInvolvingSelfDoesNotActivate(t *testing.T) {
	s := NewStore(1)
	s.UpsertConversation(&Conversation{
		ConversationID: 20,
		Participants:   []Participant{{UserID: 2}, {UserID: 3}},
	})
	assert.Nil(t, s.Active())
}

func TestMarkSeen(t *testing.T) {
	s := NewStore(1)
	now := time.Now()
	s.AppendMessage(msgAt(1, 10, 2, now))
	s.AppendMessage(msgAt(2, 10, 1, now.Add(time.Second)))

	s.MarkSeen(10)

	msgs := s.Messages(10)
	assert.Equal(t, StatusSeen, msgs[0].Status)
	// Own messages are left alone; the remote side marks those.
	assert.Equal(t, StatusSent, msgs[1].Status)
}

func TestUpdateLastMessage(t *testing.T) {
	s := NewStore(1)
	s.MergeConversations([]*Conversation{{ConversationID: 10, Name: "alpha"}})

	m := msgAt(7, 10, 2, time.Now())
	s.UpdateLastMessage(m)

	conv := s.Conversation(10)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(7), conv.LastMessage.MessageID)
	// The message page itself is untouched.
	assert.Empty(t, s.Messages(10))
}

func TestMessageUpdatesStream(t *testing.T) {
	s := NewStore(1)
	ch, cancel := s.MessageUpdates()
	defer cancel()

	s.AppendMessage(msgAt(1, 10, 2, time.Now()))

	select {
	case m := <-ch:
		assert.Equal(t, int64(1), m.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no message update received")
	}

	// Duplicates are filtered before notification.
	s.AppendMessage(msgAt(1, 10, 2, time.Now()))
	select {
	case <-ch:
		t.Fatal("duplicate message was notified")
	case <-time.After(50 * time.Millisecond):
	}
}
