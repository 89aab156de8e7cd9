package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/ui"
)

var userCmd = &cobra.Command{
	Use:     "user",
	GroupID: "admin",
	Short:   "Manage workspace members",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a workspace member",
	Long: `Add a workspace member. The role and description are shown to the
natural-language parser so it can pick an assignee ("handles billing").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		color, _ := flags.GetString("color")
		role, _ := flags.GetString("role")
		description, _ := flags.GetString("description")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		users := a.session.Users()
		a.session.Wait()

		if _, ok := users.FindByName(args[0]); ok {
			return fmt.Errorf("a user named %q already exists", args[0])
		}
		u, err := users.Add(schema.User{Name: args[0], Color: color, Role: role, Description: description})
		if err != nil {
			return err
		}
		if err := a.settle(); err != nil {
			return err
		}
		if saved, ok := users.Get(u.ID); ok {
			u = saved
		}
		fmt.Printf("%s Added %s %s (%s)\n", ui.RenderPass("✓"), ui.Avatar(u), u.Name, u.ID)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspace members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		users := a.session.Users()
		a.session.Wait()

		var rows [][]string
		for _, u := range users.GetAll() {
			name := u.Name
			if u.ID == cfg.User {
				name += " " + ui.RenderMuted("(you)")
			}
			rows = append(rows, []string{ui.Avatar(u), u.ID, name, u.Role})
		}
		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("No users."))
			return nil
		}
		ui.Table(os.Stdout, []string{"", "ID", "NAME", "ROLE"}, rows)
		return nil
	},
}

func init() {
	userAddCmd.Flags().String("color", "", "avatar color as #rrggbb")
	userAddCmd.Flags().String("role", "", "role, e.g. designer")
	userAddCmd.Flags().String("description", "", "what this person handles")

	userCmd.AddCommand(userAddCmd, userListCmd)
	rootCmd.AddCommand(userCmd)
}
