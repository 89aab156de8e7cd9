package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/internal/ui"
)

var chatCmd = &cobra.Command{
	Use:     "chat",
	GroupID: "chat",
	Short:   "Channels, direct messages and history",
	Long: `Channels, direct messages and history.

A channel argument is a channel name or id ("#general" works too), or
@user for the direct channel with that user.`,
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your channels, most recent activity first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		channels, users := a.session.Channels(""), a.session.Users()
		a.session.Wait()

		var rows [][]string
		for _, c := range channels.GetAll() {
			unread := ""
			if c.UnreadCount > 0 {
				unread = ui.RenderAccent(strconv.Itoa(c.UnreadCount))
			}
			rows = append(rows, []string{shortID(c.ID), channelTitle(c, users), string(c.Type), unread, formatTime(c.LastMessageAt), truncate(c.LastMessage, 40)})
		}
		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("No channels."))
			return nil
		}
		ui.Table(os.Stdout, []string{"ID", "CHANNEL", "TYPE", "NEW", "LAST", ""}, rows)
		if total := channels.TotalUnread(); total > 0 {
			fmt.Printf("\n%d unread\n", total)
		}
		return nil
	},
}

var chatCreateCmd = &cobra.Command{
	Use:   "create <name> [member...]",
	Short: "Create a channel with you and the given members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUser(); err != nil {
			return err
		}
		private, _ := cmd.Flags().GetBool("private")
		projectRef, _ := cmd.Flags().GetString("project")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		channels, users, projects := a.session.Channels(""), a.session.Users(), a.session.Projects()
		a.session.Wait()

		var members []string
		for _, ref := range args[1:] {
			u, err := findUser(users, strings.TrimPrefix(ref, "@"))
			if err != nil {
				return err
			}
			members = append(members, u.ID)
		}
		var projectID string
		if projectRef != "" {
			p, err := findProject(projects, projectRef)
			if err != nil {
				return err
			}
			projectID = p.ID
		}
		typ := schema.ChannelPublic
		if private {
			typ = schema.ChannelPrivate
		}

		c, err := channels.Create(strings.TrimPrefix(args[0], "#"), typ, projectID, members...)
		if err != nil {
			return err
		}
		if err := a.settle(); err != nil {
			return err
		}
		if saved, ok := channels.Get(c.ID); ok {
			c = saved
		}
		fmt.Printf("%s Created #%s %s\n", ui.RenderPass("✓"), c.Name, ui.RenderMuted(c.ID))
		return nil
	},
}

var chatDMCmd = &cobra.Command{
	Use:   "dm <user>",
	Short: "Open (or create) your direct channel with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := resolveChannel(cmd.Context(), a, "@"+strings.TrimPrefix(args[0], "@"))
		if err != nil {
			return err
		}
		fmt.Printf("%s Direct channel %s\n", ui.RenderPass("✓"), c.ID)
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <channel> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replyTo, _ := cmd.Flags().GetString("reply")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := resolveChannel(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		messages := a.session.Messages()
		messages.SetActiveChannel(c.ID)
		a.session.Wait()
		if replyTo != "" {
			m, err := findMessage(messages, replyTo)
			if err != nil {
				return err
			}
			replyTo = m.ID
		}

		if _, err := messages.Send(strings.Join(args[1:], " "), replyTo, nil); err != nil {
			return err
		}
		return a.settle()
	},
}

var chatEditCmd = &cobra.Command{
	Use:   "edit <channel> <message> <text...>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editMessage(cmd, args[0], args[1], func(messages *store.MessageStore, m schema.Message) bool {
			return messages.Edit(m.ID, strings.Join(args[2:], " "))
		})
	},
}

var chatRmCmd = &cobra.Command{
	Use:   "rm <channel> <message>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editMessage(cmd, args[0], args[1], func(messages *store.MessageStore, m schema.Message) bool {
			return messages.Delete(m.ID)
		})
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <channel>",
	Short: "Print a channel's recent messages and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		users := a.session.Users()

		c, err := resolveChannel(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		messages := a.session.Messages()
		messages.SetActiveChannel(c.ID)
		a.session.Wait()
		for (limit <= 0 || len(messages.Messages()) < limit) && messages.LoadMore() {
			a.session.Wait()
		}

		history := messages.Messages()
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
		for _, m := range history {
			printMessage(m, users)
		}
		if messages.HasMore() {
			fmt.Println(ui.RenderMuted("(older messages not shown; raise --limit)"))
		}
		return a.settle()
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <channel>",
	Short: "Follow a channel, printing messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		users := a.session.Users()

		c, err := resolveChannel(ctx, a, args[0])
		if err != nil {
			return err
		}
		messages := a.session.Messages()

		var mu sync.Mutex
		seen := make(map[string]bool)
		unsub := messages.Subscribe(func(history []schema.Message) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range history {
				if !seen[m.ID] {
					seen[m.ID] = true
					printMessage(m, users)
				}
			}
		})
		defer unsub()

		messages.SetActiveChannel(c.ID)
		fmt.Fprintf(os.Stderr, "Watching %s. Press Ctrl+C to stop.\n", channelTitle(c, users))
		<-ctx.Done()
		return nil
	},
}

func init() {
	chatCreateCmd.Flags().Bool("private", false, "create a private channel")
	chatCreateCmd.Flags().String("project", "", "attach the channel to a project")
	chatSendCmd.Flags().String("reply", "", "id of the message being answered")
	chatHistoryCmd.Flags().Int("limit", 50, "number of messages to print (0 for all)")

	chatCmd.AddCommand(chatListCmd, chatCreateCmd, chatDMCmd, chatSendCmd, chatEditCmd,
		chatRmCmd, chatHistoryCmd, chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}

// resolveChannel finds the channel ref names among the acting user's
// channels. @user refs open the direct channel, creating it when needed.
func resolveChannel(ctx context.Context, a *app, ref string) (schema.Channel, error) {
	if err := requireUser(); err != nil {
		return schema.Channel{}, err
	}
	channels, users := a.session.Channels(""), a.session.Users()
	a.session.Wait()

	if name, ok := strings.CutPrefix(ref, "@"); ok {
		u, err := findUser(users, name)
		if err != nil {
			return schema.Channel{}, err
		}
		return channels.GetOrCreateDM(ctx, cfg.User, u.ID)
	}
	return findChannel(channels, ref)
}

func editMessage(cmd *cobra.Command, channelRef, ref string, fn func(*store.MessageStore, schema.Message) bool) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := resolveChannel(cmd.Context(), a, channelRef)
	if err != nil {
		return err
	}
	messages := a.session.Messages()
	messages.SetActiveChannel(c.ID)
	a.session.Wait()

	m, err := findMessage(messages, ref)
	if err != nil {
		return err
	}
	if !fn(messages, m) {
		return fmt.Errorf("message %s is not yours or was deleted", shortID(m.ID))
	}
	if err := a.settle(); err != nil {
		return err
	}
	fmt.Printf("%s Done\n", ui.RenderPass("✓"))
	return nil
}

func findMessage(messages *store.MessageStore, ref string) (schema.Message, error) {
	return match("message", messages.Messages(), ref,
		func(m schema.Message) string { return m.ID }, nil)
}

func channelTitle(c schema.Channel, users *store.UserStore) string {
	if c.Type != schema.ChannelDirect {
		return "#" + c.Name
	}
	var names []string
	for _, id := range c.Members() {
		if id == cfg.User {
			continue
		}
		if u, ok := users.Get(id); ok {
			names = append(names, u.Name)
		} else {
			names = append(names, id)
		}
	}
	return "@" + strings.Join(names, ", @")
}

func printMessage(m schema.Message, users *store.UserStore) {
	when := ui.RenderMuted(formatTime(&m.CreatedAt))
	switch {
	case m.IsDeleted():
		fmt.Printf("%s %s\n", when, ui.RenderMuted("(message deleted)"))
	case m.IsSystem():
		fmt.Printf("%s %s\n", when, ui.RenderMuted(m.Body))
	default:
		sender := m.SenderID
		if u, ok := users.Get(m.SenderID); ok {
			sender = ui.Avatar(u) + " " + u.Name
		}
		edited := ""
		if m.EditedAt != nil {
			edited = " " + ui.RenderMuted("(edited)")
		}
		fmt.Printf("%s %s %s: %s%s\n", when, ui.RenderMuted(shortID(m.ID)), sender, m.Body, edited)
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
