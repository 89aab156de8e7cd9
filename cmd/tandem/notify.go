package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/internal/ui"
)

var notifyCmd = &cobra.Command{
	Use:     "notify",
	GroupID: "chat",
	Short:   "Read and send notifications",
}

var notifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your notifications, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		unreadOnly, _ := cmd.Flags().GetBool("unread")

		inbox, a, err := openInbox(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var rows [][]string
		for _, n := range inbox.GetAll() {
			if unreadOnly && n.IsRead() {
				continue
			}
			mark := " "
			if !n.IsRead() {
				mark = ui.RenderAccent("●")
			}
			rows = append(rows, []string{mark, shortID(n.ID), n.Type, n.Title, formatTime(&n.CreatedAt)})
		}
		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("Nothing here."))
			return nil
		}
		ui.Table(os.Stdout, []string{"", "ID", "TYPE", "TITLE", "WHEN"}, rows)
		fmt.Printf("\n%d unread\n", inbox.Unread())
		return nil
	},
}

var notifyReadCmd = &cobra.Command{
	Use:   "read [notification...]",
	Short: "Mark notifications read (--all for every one)",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			return fmt.Errorf("name notifications to mark read, or pass --all")
		}

		inbox, a, err := openInbox(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		marked := 0
		if all {
			marked = inbox.MarkAllRead()
		} else {
			for _, ref := range args {
				n, err := match("notification", inbox.GetAll(), ref,
					func(n schema.Notification) string { return n.ID }, nil)
				if err != nil {
					return err
				}
				if inbox.MarkRead(n.ID) {
					marked++
				}
			}
		}
		if err := a.settle(); err != nil {
			return err
		}
		fmt.Printf("%s Marked %d read\n", ui.RenderPass("✓"), marked)
		return nil
	},
}

var notifySendCmd = &cobra.Command{
	Use:   "send <user> <title...>",
	Short: "Send a notification to a user",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		typ, _ := flags.GetString("type")
		body, _ := flags.GetString("body")
		link, _ := flags.GetString("link")

		inbox, a, err := openInbox(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		users := a.session.Users()
		a.session.Wait()

		u, err := findUser(users, strings.TrimPrefix(args[0], "@"))
		if err != nil {
			return err
		}
		if _, err := inbox.Add(schema.Notification{
			RecipientID: u.ID,
			Type:        typ,
			Title:       strings.Join(args[1:], " "),
			Body:        body,
			Link:        link,
		}); err != nil {
			return err
		}
		if err := a.settle(); err != nil {
			return err
		}
		fmt.Printf("%s Notified %s\n", ui.RenderPass("✓"), u.Name)
		return nil
	},
}

var notifyWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print notifications as they arrive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inbox, a, err := openInbox(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var mu sync.Mutex
		seen := make(map[string]bool)
		for _, n := range inbox.GetAll() {
			seen[n.ID] = true
		}
		unsub := inbox.Subscribe(func(all []schema.Notification) {
			mu.Lock()
			defer mu.Unlock()
			for i := len(all) - 1; i >= 0; i-- {
				n := all[i]
				if seen[n.ID] {
					continue
				}
				seen[n.ID] = true
				fmt.Printf("%s %s %s\n", ui.RenderMuted(formatTime(&n.CreatedAt)), ui.RenderAccent(n.Type), n.Title)
				if n.Body != "" {
					fmt.Printf("    %s\n", n.Body)
				}
			}
		})
		defer unsub()

		fmt.Fprintf(os.Stderr, "%d unread. Watching for new notifications; press Ctrl+C to stop.\n", inbox.Unread())
		<-cmd.Context().Done()
		return nil
	},
}

func init() {
	notifyListCmd.Flags().Bool("unread", false, "only unread notifications")
	notifyReadCmd.Flags().Bool("all", false, "mark every notification read")
	notifySendCmd.Flags().String("type", "system", "mention, assignment, due or system")
	notifySendCmd.Flags().String("body", "", "notification body")
	notifySendCmd.Flags().String("link", "", "link to open")

	notifyCmd.AddCommand(notifyListCmd, notifyReadCmd, notifySendCmd, notifyWatchCmd)
	rootCmd.AddCommand(notifyCmd)
}

// openInbox opens the app and loads the acting user's notifications.
// The caller MUST close the returned app.
func openInbox(cmd *cobra.Command) (*store.NotificationStore, *app, error) {
	if err := requireUser(); err != nil {
		return nil, nil, err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	inbox := a.session.Notifications("")
	a.session.Wait()
	return inbox, a, nil
}
