package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType enumerates the server-side notification kinds.
type NotificationType string

const (
	// TypeNewDM is a direct message received while away from the
	// room. NEW_DM notifications group per room.
	TypeNewDM NotificationType = "NEW_DM"

	// TypeChatInvite is an invitation to a group chat room.
	TypeChatInvite NotificationType = "CHAT_INVITE"

	// TypeStudyInvite is an invitation to join a study.
	TypeStudyInvite NotificationType = "STUDY_INVITE"

	// TypeJoinApproved reports that a join request was accepted.
	TypeJoinApproved NotificationType = "JOIN_APPROVED"

	// TypeJoinRejected reports that a join request was declined.
	TypeJoinRejected NotificationType = "JOIN_REJECTED"
)

// Groupable reports whether multiple notifications of this type merge
// into one display group keyed by (type, referenceId).
func (t NotificationType) Groupable() bool {
	return t == TypeNewDM
}

// Actionable reports whether the notification carries an accept/reject
// action.
func (t NotificationType) Actionable() bool {
	return t == TypeChatInvite || t == TypeStudyInvite
}

// Notification is a server-created notification. Clients only ever
// mutate IsRead; every other field is authoritative from the server.
type Notification struct {
	ID          int64            `json:"id"`
	Type        NotificationType `json:"type"`
	ReferenceID int64            `json:"referenceId"`
	SenderName  string           `json:"senderName"`
	Message     string           `json:"message"`
	IsRead      bool             `json:"isRead"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// DecodeNotification decodes a notification payload from either
// channel. Payloads without an id or type are malformed.
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf(
			"%w: %v", ErrMalformedEvent, err,
		)
	}
	if n.ID == 0 {
		return Notification{}, fmt.Errorf(
			"%w: missing notification id", ErrMalformedEvent,
		)
	}
	if n.Type == "" {
		return Notification{}, fmt.Errorf(
			"%w: missing notification type", ErrMalformedEvent,
		)
	}

	return n, nil
}
