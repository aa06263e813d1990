package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// EventType identifies what happened
type EventType string

const (
	EventApprovalOpened   EventType = "approval.opened"
	EventApprovalApproved EventType = "approval.approved"
	EventApprovalRejected EventType = "approval.rejected"
	EventInvitationSent   EventType = "invitation.sent"
	EventMemberJoined     EventType = "member.joined"
)

// Event is a single domain notification
type Event struct {
	Type           EventType      `json:"type"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	SubjectID      string         `json:"subject_id,omitempty"`
	Message        string         `json:"message,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Notifier delivers events to a channel
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the structured log
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the event
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.logger.WithFields(logrus.Fields{
		"event":           event.Type,
		"organization_id": event.OrganizationID,
		"actor_id":        event.ActorID,
		"subject_id":      event.SubjectID,
	}).Info(event.Message)
	return nil
}

// EventsChannel is the Redis pub/sub channel events are published on
const EventsChannel = "keystone.events"

// RedisNotifier publishes events to a Redis channel for external
// consumers (mailers, websocket bridges).
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a Redis-backed notifier
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Notify publishes the event as JSON
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Fanout delivers each event to every notifier, logging failures
// instead of returning them.
type Fanout struct {
	notifiers []Notifier
	logger    *logrus.Logger
}

// NewFanout creates a best-effort multi-channel notifier
func NewFanout(logger *logrus.Logger, notifiers ...Notifier) *Fanout {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fanout{notifiers: notifiers, logger: logger}
}

// Notify delivers to all channels; delivery errors are logged, not returned
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			f.logger.WithError(err).WithField("event", event.Type).
				Warn("notification delivery failed")
		}
	}
	return nil
}
