package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var presenceJoin bool

var presenceCmd = &cobra.Command{
	Use:   "presence <channel>",
	Short: "Watch a channel's live participant count",
	Long: `Subscribe to a presence channel and print the live participant count
as it changes. With --join the client also announces itself in the
channel, leaving again on exit. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runPresence,
}

func init() {
	presenceCmd.Flags().BoolVar(
		&presenceJoin, "join", false,
		"Announce this client in the channel while watching",
	)
}

func runPresence(cmd *cobra.Command, args []string) error {
	channel := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	obs, err := client.ObservePresence(channel)
	if err != nil {
		return err
	}
	defer obs.Cancel()

	if presenceJoin {
		if err := client.JoinPresence(channel); err != nil {
			return err
		}
		defer client.LeavePresence(channel)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case count, ok := <-obs.C:
			if !ok {
				return nil
			}
			if outputFormat == "json" {
				printJSON(struct {
					Channel string `json:"channel"`
					Count   int    `json:"count"`
				}{Channel: channel, Count: count})
				continue
			}
			fmt.Printf("%s: %d online\n", channel, count)
		}
	}
}
