// Package push owns the subscription registry and the reliable delivery
// layer for real-time status events.
//
// The registry maps topics to live connections; delivery wraps every outbound
// event with a process-unique message id and retries on a bounded schedule
// until the peer acknowledges, the retry budget is exhausted, or the
// connection goes away. The guarantee is at-least-once while connected:
// a connected, acknowledging subscriber receives every published event for
// its topics, but nothing is replayed across disconnects.
package push

import (
	"encoding/json"
	"strings"
)

// TopicMeetings carries batched meeting status changes to every subscriber.
const TopicMeetings = "meetings"

const sessionTopicPrefix = "session:"

// SessionTopic returns the per-session topic name for a login session id.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + strings.TrimSpace(sessionID)
}

// SessionIDFromTopic extracts the session id from a session topic name.
func SessionIDFromTopic(topic string) (string, bool) {
	sessionID, ok := strings.CutPrefix(topic, sessionTopicPrefix)
	if !ok || strings.TrimSpace(sessionID) == "" {
		return "", false
	}
	return sessionID, true
}

// Message is one reliable event envelope in flight to a single connection.
type Message struct {
	MessageID string
	Topic     string
	Event     string
	Data      json.RawMessage
}
