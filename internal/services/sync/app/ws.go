package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	meetingdomain "github.com/ozfoundry/opsync/internal/meeting/domain"
	"github.com/ozfoundry/opsync/internal/platform/timeouts"
	"github.com/ozfoundry/opsync/internal/push"
	qrlogindomain "github.com/ozfoundry/opsync/internal/qrlogin/domain"
	qrloginservice "github.com/ozfoundry/opsync/internal/qrlogin/service"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type subscribePayload struct {
	Topic string `json:"topic"`
}

type subscribedPayload struct {
	Topic      string `json:"topic"`
	ServerTime string `json:"server_time"`
}

type ackPayload struct {
	MessageID string `json:"message_id"`
}

type eventPayload struct {
	MessageID string          `json:"message_id"`
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// meetingSnapshot is the topic state delivered on every meetings subscribe so
// a reconnecting client converges without event history.
type meetingSnapshot struct {
	Meetings []meetingSnapshotEntry `json:"meetings"`
	Count    int                    `json:"count"`
}

type meetingSnapshotEntry struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Topic  string `json:"topic"`
	Status string `json:"status"`
}

// EventSnapshot names the state event delivered on subscribe.
const EventSnapshot = "snapshot"

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// handleWSConn runs one subscriber connection: frames in, events out through
// the connection's deliverer. Disconnect tears down every registry entry and
// purges the deliverer's pending state.
func handleWSConn(conn *websocket.Conn, deps Deps) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	deliverer := push.NewDeliverer(func(message push.Message) error {
		return peer.writeFrame(wsFrame{
			Type: "sync.event",
			Payload: mustJSON(eventPayload{
				MessageID: message.MessageID,
				Topic:     message.Topic,
				Event:     message.Event,
				Data:      message.Data,
			}),
		})
	}, push.DelivererOptions{})
	defer func() {
		deps.Registry.Drop(deliverer)
		deliverer.Close()
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "sync.subscribe":
			handleSubscribeFrame(peer, deliverer, deps, frame)
		case "sync.unsubscribe":
			handleUnsubscribeFrame(peer, deliverer, deps, frame)
		case "sync.ack":
			handleAckFrame(peer, deliverer, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleSubscribeFrame(peer *wsPeer, deliverer *push.Deliverer, deps Deps, frame wsFrame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid subscribe payload")
		return
	}

	topic := payload.Topic
	sessionID, isSession := push.SessionIDFromTopic(topic)
	if topic != push.TopicMeetings && !isSession {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unknown topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreCall)
	defer cancel()

	// The snapshot is resolved before registration so an unknown session is
	// rejected instead of silently subscribed to nothing.
	var snapshot json.RawMessage
	if isSession {
		session, err := deps.Sessions.Get(ctx, sessionID)
		if errors.Is(err, qrlogindomain.ErrNotFound) {
			_ = writeWSError(peer, frame.RequestID, "NOT_FOUND", "unknown session")
			return
		}
		if err != nil {
			log.Printf("sync: session snapshot for %s: %v", sessionID, err)
			_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "session lookup failed")
			return
		}
		snapshot = mustJSON(qrloginservice.SessionEvent{
			SessionID:  session.ID,
			Status:     string(session.Status),
			StatusText: session.StatusText(),
			UserID:     session.UserID,
			Credential: session.Credential,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	} else {
		meetings, err := deps.MeetingStore.ListByStatus(ctx, meetingdomain.StatusPending, meetingdomain.StatusInProgress)
		if err != nil {
			log.Printf("sync: meetings snapshot: %v", err)
			_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "meeting lookup failed")
			return
		}
		entries := make([]meetingSnapshotEntry, 0, len(meetings))
		for _, meeting := range meetings {
			entries = append(entries, meetingSnapshotEntry{
				ID:     meeting.ID,
				Code:   meeting.Code,
				Topic:  meeting.Topic,
				Status: string(meeting.Status),
			})
		}
		snapshot = mustJSON(meetingSnapshot{Meetings: entries, Count: len(entries)})
	}

	deps.Registry.Subscribe(deliverer, topic)

	_ = peer.writeFrame(wsFrame{
		Type:      "sync.subscribed",
		RequestID: frame.RequestID,
		Payload: mustJSON(subscribedPayload{
			Topic:      topic,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})

	// Snapshot goes through the deliverer so it carries a message id and the
	// same at-least-once handling as live events.
	deliverer.Enqueue(topic, EventSnapshot, snapshot)
}

func handleUnsubscribeFrame(peer *wsPeer, deliverer *push.Deliverer, deps Deps, frame wsFrame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid unsubscribe payload")
		return
	}
	if payload.Topic == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "topic is required")
		return
	}

	deps.Registry.Unsubscribe(deliverer, payload.Topic)

	_ = peer.writeFrame(wsFrame{
		Type:      "sync.unsubscribed",
		RequestID: frame.RequestID,
		Payload: mustJSON(subscribedPayload{
			Topic:      payload.Topic,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func handleAckFrame(peer *wsPeer, deliverer *push.Deliverer, frame wsFrame) {
	var payload ackPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid ack payload")
		return
	}
	if payload.MessageID == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "message_id is required")
		return
	}
	deliverer.Ack(payload.MessageID)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "sync.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
