package transport

import "strconv"

// ── Destination constants ─────────────────────────────────────────────────────
// Single source of truth for every destination string used across the client.
// Per-user queues are delivered only to the authenticated session; topics are
// broadcast to every subscriber.
const (
	// Per-user call lifecycle queues.
	QueueCallIncoming = "/user/queue/call/incoming"
	QueueCallAnswered = "/user/queue/call/answered"
	QueueCallRejected = "/user/queue/call/rejected"
	QueueCallEnded    = "/user/queue/call/ended"

	// Per-user private call signaling (OFFER/ANSWER/CANDIDATE/...).
	QueueCallSignals = "/user/queue/call/signals"

	// Per-user chat push queues.
	QueueConversationUpdates = "/user/queue/conversation-updates"
	QueueNotifications       = "/user/queue/notifications"
	QueueUnreadCount         = "/user/queue/unread-count"

	// Outbound application routes.
	RouteCallPrivateSignal = "/app/call/private/signal"
	RouteCallGroupSignal   = "/app/call/group/signal"
)

// TopicConversationMessages returns the broadcast topic carrying new-message
// events for one conversation.
func TopicConversationMessages(conversationID int64) string {
	return "/topic/conversation/" + strconv.FormatInt(conversationID, 10) + "/messages"
}

// TopicCallSignals returns the broadcast topic carrying group call signals
// for one conversation.
func TopicCallSignals(conversationID int64) string {
	return "/topic/call/" + strconv.FormatInt(conversationID, 10) + "/signals"
}
