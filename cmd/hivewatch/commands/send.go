package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyhive/realtime/internal/transport"
	"github.com/studyhive/realtime/internal/wire"
)

var (
	sendRoomID int64
	sendBody   string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to a chat room",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().Int64Var(
		&sendRoomID, "room", 0, "Room ID to send to (required)",
	)
	sendCmd.Flags().StringVar(
		&sendBody, "body", "", "Message body (required)",
	)
	sendCmd.MarkFlagRequired("room")
	sendCmd.MarkFlagRequired("body")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	result, err := client.SendChatMessage(sendRoomID, wire.ChatMessage{
		Body:      sendBody,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	switch result {
	case transport.PublishSent:
		fmt.Println("sent")
	case transport.PublishQueued:
		fmt.Println("queued (transport offline)")
	default:
		return fmt.Errorf("message rejected")
	}

	return nil
}
