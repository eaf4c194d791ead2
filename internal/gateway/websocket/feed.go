package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/events"
	"github.com/getleon/leon/internal/events/bus"
)

// Feed bridges the event bus into the hub. Every runtime event becomes a
// notification frame; the hub decides which clients see it.
type Feed struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterEventFeed subscribes the hub to the runtime's bus subjects.
// The feed closes itself when ctx is cancelled.
func RegisterEventFeed(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Feed {
	f := &Feed{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_feed")),
	}
	if eventBus == nil {
		return f
	}

	f.subscribe(eventBus, events.ThreadCreated)
	f.subscribe(eventBus, events.ThreadDeleted)
	f.subscribe(eventBus, events.RunStarted)
	f.subscribe(eventBus, events.BuildRunEventWildcardSubject())
	f.subscribe(eventBus, events.BuildRunFinishedWildcardSubject())
	f.subscribe(eventBus, events.BuildQueueWildcardSubject())
	f.subscribe(eventBus, events.BuildQueueDrainedWildcardSubject())
	f.subscribe(eventBus, events.BuildLeaseStateWildcardSubject())
	f.subscribe(eventBus, events.LeaseOrphanFound)

	go func() {
		<-ctx.Done()
		f.Close()
	}()

	return f
}

// Close drops all bus subscriptions
func (f *Feed) Close() {
	for _, sub := range f.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	f.subscriptions = nil
}

func (f *Feed) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		f.hub.Broadcast(&Notification{
			Type:     event.Type,
			ThreadID: extractThreadID(event.Data),
			Data:     event.Data,
			Time:     event.Timestamp,
		})
		return nil
	})
	if err != nil {
		f.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	f.subscriptions = append(f.subscriptions, sub)
}

func extractThreadID(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	if threadID, ok := data["thread_id"].(string); ok {
		return threadID
	}
	return ""
}
