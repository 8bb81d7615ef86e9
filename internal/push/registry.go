package push

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Registry tracks which live connections subscribe to which topics.
//
// Both directions are kept so publish enumerates one topic's subscribers and
// disconnect clears one connection's topics without scanning. All mutation
// goes through the registry API; the maps are never exposed.
type Registry struct {
	mu       sync.Mutex
	byTopic  map[string]map[*Deliverer]struct{}
	byMember map[*Deliverer]map[string]struct{}
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		byTopic:  make(map[string]map[*Deliverer]struct{}),
		byMember: make(map[*Deliverer]map[string]struct{}),
	}
}

// Subscribe adds the connection's deliverer to a topic. Idempotent.
func (r *Registry) Subscribe(member *Deliverer, topic string) {
	topic = strings.TrimSpace(topic)
	if member == nil || topic == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subscribers, ok := r.byTopic[topic]
	if !ok {
		subscribers = make(map[*Deliverer]struct{})
		r.byTopic[topic] = subscribers
	}
	subscribers[member] = struct{}{}

	topics, ok := r.byMember[member]
	if !ok {
		topics = make(map[string]struct{})
		r.byMember[member] = topics
	}
	topics[topic] = struct{}{}
}

// Unsubscribe removes the connection's deliverer from a topic. Idempotent.
func (r *Registry) Unsubscribe(member *Deliverer, topic string) {
	topic = strings.TrimSpace(topic)
	if member == nil || topic == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(member, topic)
}

// Drop removes the connection from every topic it holds, for disconnect
// cleanup.
func (r *Registry) Drop(member *Deliverer) {
	if member == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.byMember[member] {
		r.removeLocked(member, topic)
	}
}

func (r *Registry) removeLocked(member *Deliverer, topic string) {
	if subscribers, ok := r.byTopic[topic]; ok {
		delete(subscribers, member)
		if len(subscribers) == 0 {
			delete(r.byTopic, topic)
		}
	}
	if topics, ok := r.byMember[member]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.byMember, member)
		}
	}
}

// Subscribers returns a snapshot of the topic's current member set.
func (r *Registry) Subscribers(topic string) []*Deliverer {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]*Deliverer, 0, len(r.byTopic[topic]))
	for member := range r.byTopic[topic] {
		members = append(members, member)
	}
	return members
}

// Publish marshals the payload once and hands it to every current
// subscriber's deliverer. It never blocks on a slow peer and never returns a
// delivery error to the mutation path that triggered it.
func (r *Registry) Publish(topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	members := r.Subscribers(topic)
	if len(members) == 0 {
		return nil
	}
	for _, member := range members {
		member.Enqueue(topic, event, data)
	}
	log.Printf("push: published %s to %d subscriber(s) on %s", event, len(members), topic)
	return nil
}
