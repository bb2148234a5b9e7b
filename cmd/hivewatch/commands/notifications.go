package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/studyhive/realtime/internal/notify"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"inbox"},
	Short:   "Manage the notification inbox",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List grouped notifications with unread counts",
	RunE:  runNotificationsList,
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark one notification read",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotificationsRead,
}

var notificationsReadGroupCmd = &cobra.Command{
	Use:   "read-group <key>",
	Short: "Mark every notification in a group read",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotificationsReadGroup,
}

var notificationsUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the server-side unread count",
	RunE:  runNotificationsUnread,
}

var (
	respondAccept bool
	respondReject bool
)

var notificationsRespondCmd = &cobra.Command{
	Use:   "respond <id>",
	Short: "Accept or reject an invite notification",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotificationsRespond,
}

func init() {
	notificationsRespondCmd.Flags().BoolVar(
		&respondAccept, "accept", false, "Accept the invite",
	)
	notificationsRespondCmd.Flags().BoolVar(
		&respondReject, "reject", false, "Reject the invite",
	)

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsUnreadCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadGroupCmd)
	notificationsCmd.AddCommand(notificationsRespondCmd)
}

func runNotificationsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	if err := client.RefreshNotifications(ctx); err != nil {
		return err
	}

	groups, unread, err := client.Notifications()
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(struct {
			Unread int            `json:"unread"`
			Groups []notify.Group `json:"groups"`
		}{Unread: unread, Groups: groups})
	}

	fmt.Printf("%d unread\n", unread)
	for _, g := range groups {
		marker := " "
		if !g.IsRead {
			marker = "*"
		}

		line := g.Latest.Message
		if g.UnreadCount > 1 {
			line = fmt.Sprintf("%s (+%d from %s)",
				line, g.UnreadCount-1,
				strings.Join(g.SenderNames, ", "))
		}

		fmt.Printf("%s [%s] %s  %s\n",
			marker, g.Key, g.Latest.CreatedAt.Format("Jan 02 15:04"),
			line)
	}

	return nil
}

func runNotificationsUnread(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	count, err := client.ServerUnreadCount(ctx)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(struct {
			Unread int `json:"unread"`
		}{Unread: count})
	}
	fmt.Printf("%d unread\n", count)

	return nil
}

func runNotificationsRead(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid notification id %q", args[0])
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	if err := client.RefreshNotifications(ctx); err != nil {
		return err
	}

	return client.MarkNotificationRead(ctx, id)
}

func runNotificationsReadGroup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	if err := client.RefreshNotifications(ctx); err != nil {
		return err
	}

	return client.MarkGroupRead(ctx, notify.GroupKey(args[0]))
}

func runNotificationsRespond(cmd *cobra.Command, args []string) error {
	if respondAccept == respondReject {
		return fmt.Errorf("pass exactly one of --accept or --reject")
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid notification id %q", args[0])
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Logout()

	if err := client.RefreshNotifications(ctx); err != nil {
		return err
	}

	return client.RespondInvite(ctx, id, respondAccept)
}
