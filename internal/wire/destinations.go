package wire

import "fmt"

// Destination path prefixes. Subscriptions use /sub paths, publishes use
// /pub paths, mirroring the broker's routing configuration.
const (
	subPrefix = "/sub"
	pubPrefix = "/pub"
)

// ChatRoomTopic returns the subscribe destination for a chat room.
func ChatRoomTopic(roomID int64) string {
	return fmt.Sprintf("%s/chat/room/%d", subPrefix, roomID)
}

// DMUserTopic returns the subscribe destination carrying DM events for
// a user across all of their rooms.
func DMUserTopic(userID int64) string {
	return fmt.Sprintf("%s/dm/user/%d", subPrefix, userID)
}

// DMRoomTopic returns the subscribe destination for a single DM room.
func DMRoomTopic(roomID int64) string {
	return fmt.Sprintf("%s/dm/room/%d", subPrefix, roomID)
}

// PresenceTopic returns the subscribe destination broadcasting live
// participant counts for a channel.
func PresenceTopic(channel string) string {
	return fmt.Sprintf("%s/presence/%s", subPrefix, channel)
}

// ChatMessageDest returns the publish destination for chat messages in
// a room.
func ChatMessageDest(roomID int64) string {
	return fmt.Sprintf("%s/chat/room/%d/message", pubPrefix, roomID)
}

// PresenceEnterDest returns the publish destination announcing a join.
func PresenceEnterDest(channel string) string {
	return fmt.Sprintf("%s/presence/enter/%s", pubPrefix, channel)
}

// PresenceExitDest returns the publish destination announcing a leave.
func PresenceExitDest(channel string) string {
	return fmt.Sprintf("%s/presence/exit/%s", pubPrefix, channel)
}
