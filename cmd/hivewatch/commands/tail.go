package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/studyhive/realtime/internal/wire"
)

var (
	tailRoomID int64
	tailDM     bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Tail messages in a chat or DM room",
	Long: `Subscribe to a room's message topic and print every message as it
arrives. Runs until interrupted. Reconnects and resubscribes
automatically on connection loss.`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().Int64Var(
		&tailRoomID, "room", 0, "Room ID to tail (required)",
	)
	tailCmd.Flags().BoolVar(
		&tailDM, "dm", false, "Tail a direct-message room",
	)
	tailCmd.MarkFlagRequired("room")
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	subscribe := client.SubscribeChatRoom
	if tailDM {
		subscribe = client.SubscribeDMRoom
	}
	handle, err := subscribe(tailRoomID)
	if err != nil {
		return err
	}
	defer handle.Cancel()

	states, err := client.StateUpdates()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case sc, ok := <-states:
			if !ok {
				return nil
			}
			fmt.Printf("-- connection %v -> %v\n",
				sc.From, sc.To)

		case ev, ok := <-handle.Events():
			if !ok {
				return nil
			}
			printMessage(ev)
		}
	}
}

// printMessage renders one inbound chat message.
func printMessage(ev wire.RawEvent) {
	msg, err := wire.DecodeChatMessage(ev.Payload)
	if err != nil {
		fmt.Printf("-- undecodable message on %s\n", ev.Topic)
		return
	}

	if outputFormat == "json" {
		printJSON(msg)
		return
	}

	fmt.Printf("[%s] %s: %s\n",
		msg.CreatedAt.Format("15:04:05"), msg.SenderName, msg.Body)
}
