// Package events carries federation side effects to the content service:
// notifications and remote content arriving, changing or disappearing.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	NotificationCreated Type = "notification.created"
	ObjectCreated       Type = "object.created"
	ObjectUpdated       Type = "object.updated"
	ObjectDeleted       Type = "object.deleted"
	ActorUpdated        Type = "actor.updated"
	ActorDeleted        Type = "actor.deleted"
)

type Event struct {
	Type        Type              `json:"type"`
	ActorURI    string            `json:"actor"`
	ObjectId    string            `json:"objectId,omitempty"`
	RecipientId string            `json:"recipientId,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// Key groups events of the same object (or actor) onto one partition.
func (e Event) Key() string {
	if e.ObjectId != "" {
		return e.ObjectId
	}
	return e.ActorURI
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the structured log. It is the default when
// no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{log: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.Info("events: "+string(e.Type),
		zap.String("actor", e.ActorURI),
		zap.String("object", e.ObjectId),
		zap.String("recipient", e.RecipientId),
		zap.Any("attributes", e.Attributes))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
