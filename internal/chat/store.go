package chat

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is the single in-memory source of truth for conversations and
// messages. All mutation goes through its methods so the dedupe and
// identity-preservation invariants hold; callers only ever see snapshots.
//
// Mutations are synchronous and cannot fail — fetch errors belong to the
// network layer that feeds the store.
type Store struct {
	selfID int64

	mu       sync.RWMutex
	order    []int64
	convs    map[int64]*Conversation
	messages map[int64][]Message
	activeID int64

	listenerMu sync.RWMutex
	msgSubs    map[chan Message]struct{}
	convSubs   map[chan *Conversation]struct{}
}

// NewStore creates an empty store for the given local user.
func NewStore(selfID int64) *Store {
	return &Store{
		selfID:   selfID,
		convs:    make(map[int64]*Conversation),
		messages: make(map[int64][]Message),
		msgSubs:  make(map[chan Message]struct{}),
		convSubs: make(map[chan *Conversation]struct{}),
	}
}

// SetActiveConversation replaces the currently viewed conversation and clears
// its unread counter. Loading the message page is the caller's side effect,
// not the store's.
func (s *Store) SetActiveConversation(conversationID int64) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = conversationID
	if conv, ok := s.convs[conversationID]; ok {
		conv.UnreadCount = 0
		return snapshotConversation(conv)
	}
	return nil
}

// Active returns a snapshot of the currently viewed conversation, or nil.
func (s *Store) Active() *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotConversation(s.convs[s.activeID])
}

// Conversations returns snapshots of the conversation list in display order.
func (s *Store) Conversations() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, snapshotConversation(s.convs[id]))
	}
	return out
}

// Conversation returns a snapshot of one conversation by id, or nil.
func (s *Store) Conversation(id int64) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotConversation(s.convs[id])
}

// Messages returns a copy of the message list for a conversation, ordered by
// sentAt ascending.
func (s *Store) Messages(conversationID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// MergeConversations reconciles a freshly fetched list with existing state.
// Entries that did not change keep their existing pointer so observers
// relying on reference equality are not needlessly notified; changed entries
// are shallow-merged, with incoming fields winning and missing incoming
// fields (participants, last message) falling back to the cached ones.
// Merging the same list twice is a no-op the second time.
func (s *Store) MergeConversations(list []*Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]int64, 0, len(list))
	for _, incoming := range list {
		order = append(order, incoming.ConversationID)

		existing, ok := s.convs[incoming.ConversationID]
		if !ok {
			s.convs[incoming.ConversationID] = incoming
			continue
		}
		merged := mergeConversation(existing, incoming)
		if !conversationChanged(existing, merged) {
			continue // keep existing identity
		}
		s.convs[incoming.ConversationID] = merged
	}
	s.order = order
}

// UpsertConversation inserts or updates a single conversation, placing new
// entries first. A new conversation that includes the local user becomes the
// active conversation when nothing is being viewed yet.
func (s *Store) UpsertConversation(conv *Conversation) {
	s.mu.Lock()
	if existing, ok := s.convs[conv.ConversationID]; ok {
		s.convs[conv.ConversationID] = mergeConversation(existing, conv)
	} else {
		s.convs[conv.ConversationID] = conv
		s.order = append([]int64{conv.ConversationID}, s.order...)
		if s.activeID == 0 && conv.HasParticipant(s.selfID) {
			s.activeID = conv.ConversationID
			logrus.WithField("conversation", conv.ConversationID).Debug("chat: auto-activated new conversation")
		}
	}
	updated := s.convs[conv.ConversationID]
	s.mu.Unlock()

	s.notifyConversation(updated)
}

// AppendMessage adds a real-time message to its conversation, deduplicating
// by messageId first: the same message can arrive both via the send response
// and via the push topic. Insertion keeps sentAt ascending order.
func (s *Store) AppendMessage(msg Message) {
	s.mu.Lock()
	if s.hasMessage(msg.ConversationID, msg.MessageID) {
		s.mu.Unlock()
		return
	}
	msgs := s.messages[msg.ConversationID]
	// Common case: newest message, append at the tail.
	i := len(msgs)
	for i > 0 && msgs[i-1].SentAt.After(msg.SentAt) {
		i--
	}
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.messages[msg.ConversationID] = msgs

	if conv, ok := s.convs[msg.ConversationID]; ok && msg.ConversationID != s.activeID && msg.SenderID != s.selfID {
		conv.UnreadCount++
	}
	s.mu.Unlock()

	s.notifyMessage(msg)
}

// PrependMessages merges an older page of messages, deduplicating by
// messageId and re-establishing sentAt ascending order.
func (s *Store) PrependMessages(conversationID int64, msgs []Message) {
	s.mu.Lock()
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !s.hasMessage(conversationID, m.MessageID) {
			fresh = append(fresh, m)
		}
	}
	combined := append(fresh, s.messages[conversationID]...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].SentAt.Before(combined[j].SentAt)
	})
	s.messages[conversationID] = combined
	s.mu.Unlock()
}

// ReplaceMessages installs a freshly fetched message page for a conversation.
func (s *Store) ReplaceMessages(conversationID int64, msgs []Message) {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.Before(sorted[j].SentAt)
	})
	s.mu.Lock()
	s.messages[conversationID] = sorted
	s.mu.Unlock()
}

// UpdateLastMessage refreshes only the lastMessage preview of the matching
// conversation, without touching its message page.
func (s *Store) UpdateLastMessage(msg Message) {
	s.mu.Lock()
	conv, ok := s.convs[msg.ConversationID]
	if ok {
		conv.LastMessage = &msg
	}
	s.mu.Unlock()
	if ok {
		s.notifyConversation(conv)
	}
}

// MarkSeen updates the status of every message in the conversation that was
// sent by someone else and is not yet SEEN.
func (s *Store) MarkSeen(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != s.selfID && msgs[i].Status != StatusSeen {
			msgs[i].Status = StatusSeen
		}
	}
}

// MessageUpdates returns a stream of messages accepted by AppendMessage.
func (s *Store) MessageUpdates() (<-chan Message, func()) {
	ch := make(chan Message, 32)
	s.listenerMu.Lock()
	s.msgSubs[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.msgSubs[ch]; ok {
			delete(s.msgSubs, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

// ConversationUpdates returns a stream of upserted/refreshed conversations.
func (s *Store) ConversationUpdates() (<-chan *Conversation, func()) {
	ch := make(chan *Conversation, 32)
	s.listenerMu.Lock()
	s.convSubs[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.convSubs[ch]; ok {
			delete(s.convSubs, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) hasMessage(conversationID, messageID int64) bool {
	if messageID == 0 {
		return false
	}
	for _, m := range s.messages[conversationID] {
		if m.MessageID == messageID {
			return true
		}
	}
	return false
}

func (s *Store) notifyMessage(msg Message) {
	s.listenerMu.RLock()
	for ch := range s.msgSubs {
		select {
		case ch <- msg:
		default:
		}
	}
	s.listenerMu.RUnlock()
}

func (s *Store) notifyConversation(conv *Conversation) {
	s.listenerMu.RLock()
	for ch := range s.convSubs {
		select {
		case ch <- conv:
		default:
		}
	}
	s.listenerMu.RUnlock()
}

// snapshotConversation copies a cached conversation so callers cannot mutate
// store state around its methods, the same way Messages copies its list.
func snapshotConversation(conv *Conversation) *Conversation {
	if conv == nil {
		return nil
	}
	out := *conv
	out.Participants = append([]Participant(nil), conv.Participants...)
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		out.LastMessage = &last
	}
	return &out
}

// mergeConversation shallow-merges incoming over existing: incoming fields
// win, but fields the push event omits keep their cached values.
func mergeConversation(existing, incoming *Conversation) *Conversation {
	merged := *incoming
	if merged.Participants == nil {
		merged.Participants = existing.Participants
	}
	if merged.LastMessage == nil {
		merged.LastMessage = existing.LastMessage
	}
	if merged.Name == "" {
		merged.Name = existing.Name
	}
	if merged.CreatedAt == "" {
		merged.CreatedAt = existing.CreatedAt
	}
	return &merged
}

func conversationChanged(a, b *Conversation) bool {
	if a.Name != b.Name || a.Type != b.Type || a.UnreadCount != b.UnreadCount ||
		participantsChanged(a.Participants, b.Participants) {
		return true
	}
	switch {
	case a.LastMessage == nil && b.LastMessage == nil:
	case a.LastMessage == nil || b.LastMessage == nil:
		return true
	case a.LastMessage.MessageID != b.LastMessage.MessageID:
		return true
	}
	return false
}

// participantsChanged compares membership, not just size: a member swap or a
// username update in a same-size list is still a change.
func participantsChanged(a, b []Participant) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].Username != b[i].Username {
			return true
		}
	}
	return false
}
