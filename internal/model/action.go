package model

import "time"

// ActionType identifies a user-initiated mutation awaiting upload.
type ActionType string

const (
	ActionDelete   ActionType = "delete"
	ActionMove     ActionType = "move"
	ActionMarkRead ActionType = "mark_read"
	ActionStar     ActionType = "star"
	ActionSend     ActionType = "send"
)

// ActionStatus is the lifecycle position of a pending action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionUploading ActionStatus = "uploading"
	ActionFailed    ActionStatus = "failed"

	// ActionDeadLettered means the action exceeded its retry budget and
	// is never retried automatically again. It is surfaced to the user
	// for manual resolution.
	ActionDeadLettered ActionStatus = "dead_lettered"
)

// PendingAction is a persisted offline mutation. It is written by the
// action-initiating caller and consumed exclusively by the controller's
// upload handler. Success deletes the row; it is terminal and not
// re-observable.
type PendingAction struct {
	ID        string
	AccountID string

	// TargetID is the message or attachment the action applies to. The
	// target's content may itself still be pending download.
	TargetID string

	Type    ActionType
	Payload string

	Status   ActionStatus
	Attempts int

	CreatedAt     time.Time
	LastAttemptAt time.Time

	// NextAttemptAt is the end of the backoff window after a failure;
	// the action is not eligible for upload before it.
	NextAttemptAt time.Time

	LastError string
}
