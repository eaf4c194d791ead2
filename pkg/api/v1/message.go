package v1

import "time"

// RoutingMode describes how an inbound message was routed by the queue
type RoutingMode string

const (
	RoutingImmediate    RoutingMode = "immediate"     // started a run directly
	RoutingFollowup     RoutingMode = "followup"      // queued; drains on next IDLE entry
	RoutingSteer        RoutingMode = "steer"         // injected into the live run
	RoutingCollect      RoutingMode = "collect"       // queued while steering is disabled
	RoutingInterrupt    RoutingMode = "interrupt"     // cancelled the live run, then started
	RoutingSteerBacklog RoutingMode = "steer_backlog" // parked while the thread is SUSPENDED
)

// MessageKind distinguishes user utterances from injected notifications
type MessageKind string

const (
	MessageKindUser             MessageKind = "user"
	MessageKindTaskNotification MessageKind = "task_notification"
)

// QueuedMessage is a message parked in a thread's FIFO queue
type QueuedMessage struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Routing   RoutingMode `json:"routing"`
	CreatedAt time.Time   `json:"created_at"`
}

// SendMessageRequest for routing a message into a thread
type SendMessageRequest struct {
	Message   string `json:"message" binding:"required"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// SendMessageResponse reports how the message was routed
type SendMessageResponse struct {
	Status  string      `json:"status"`
	Routing RoutingMode `json:"routing"`
	RunID   string      `json:"run_id,omitempty"`
}
