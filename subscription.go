package flowthings

import (
	"sort"
	"sync"

	"github.com/flowthings/flowthings.go/pkg/codec"
)

// Notification is a push frame addressed to a subscribed topic.
type Notification struct {
	Resource string
	Value    any

	codec codec.Codec
}

// Decode converts the notification value into dst.
func (n *Notification) Decode(dst any) error {
	return codec.Transcode(n.codec, n.Value, dst)
}

// Listener is invoked for every notification on a subscribed topic.
type Listener func(n *Notification)

// SubscriptionRegistry maps topic ids to listeners. It knows nothing about
// connections, so its entries survive reconnects.
type SubscriptionRegistry struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{listeners: make(map[string]Listener)}
}

// Set registers l for topic, replacing any previous listener.
func (r *SubscriptionRegistry) Set(topic string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[topic] = l
}

// Remove deletes topic and reports whether it was present.
func (r *SubscriptionRegistry) Remove(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[topic]
	delete(r.listeners, topic)
	return ok
}

func (r *SubscriptionRegistry) Get(topic string) (Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[topic]
	return l, ok
}

// Topics returns the subscribed topic ids in sorted order.
func (r *SubscriptionRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.listeners))
	for topic := range r.listeners {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
