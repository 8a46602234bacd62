package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"porthub/internal/app"
	"porthub/internal/domain"
	"porthub/internal/engine"
	"porthub/internal/repo"
)

func accountCmd() *cobra.Command {
	acc := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
		Long:  "Accounts are keyed by identity (pass it with --as). Register once, then switch role or edit the profile at will.",
	}
	acc.AddCommand(accountRegisterCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountRoleCmd())
	acc.AddCommand(accountProfileCmd())
	acc.AddCommand(accountVerifyCmd())
	acc.AddCommand(accountDeleteCmd())
	return acc
}

func accountRegisterCmd() *cobra.Command {
	var in engine.RegisterInput
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the acting identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			in.Identity = identity
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.Register(ctx, in)
				if err != nil {
					return err
				}
				return printAccount(a)
			})
		},
	}
	cmd.Flags().StringVar(&in.Role, "role", "", "PORTER or CUSTOMER")
	cmd.Flags().StringVar(&in.DisplayName, "name", "", "display name (defaults to the identity)")
	cmd.Flags().StringVar(&in.Bio, "bio", "", "short bio")
	cmd.Flags().StringVar(&in.Language, "language", "", "preferred language")
	cmd.Flags().StringVar(&in.Specialty, "specialty", "", "porter specialty ("+strings.Join(domain.Categories, ", ")+")")
	cmd.Flags().StringVar(&in.Handle, "handle", "", "public profile handle used for verification")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [identity]",
		Short: "Show an account (defaults to the acting identity)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var identity string
			if len(args) == 1 {
				identity = args[0]
			} else {
				var err error
				if identity, err = actor(); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.GetAccount(ctx, identity)
				if err != nil {
					return err
				}
				if identity != viper.GetString("as") {
					a.VerificationToken = ""
				}
				return printAccount(a)
			})
		},
	}
	return cmd
}

func accountRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role <PORTER|CUSTOMER>",
		Short: "Switch the acting account's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.SwitchRole(ctx, identity, args[0])
				if err != nil {
					return err
				}
				return printAccount(a)
			})
		},
	}
	return cmd
}

func accountProfileCmd() *cobra.Command {
	var name, bio, language, specialty, handle string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update profile fields; only flags given are changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			u := repo.ProfileUpdate{
				DisplayName: optionalString(cmd, "name", name),
				Bio:         optionalString(cmd, "bio", bio),
				Language:    optionalString(cmd, "language", language),
				Specialty:   optionalString(cmd, "specialty", specialty),
				Handle:      optionalString(cmd, "handle", handle),
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.UpdateProfile(ctx, identity, u)
				if err != nil {
					return err
				}
				return printAccount(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&bio, "bio", "", "short bio")
	cmd.Flags().StringVar(&language, "language", "", "preferred language")
	cmd.Flags().StringVar(&specialty, "specialty", "", "porter specialty")
	cmd.Flags().StringVar(&handle, "handle", "", "public profile handle")
	return cmd
}

func accountVerifyCmd() *cobra.Command {
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Prove ownership of the public profile handle",
	}
	verify.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Issue a token to place in the profile bio",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				token, err := rt.Engine.StartVerification(ctx, identity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"token": token})
				}
				fmt.Printf("Add %s to your public profile bio, then run 'porthub account verify check'.\n", token)
				return nil
			})
		},
	})
	verify.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Look for the token on the public profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				ok, err := rt.Engine.CheckVerification(ctx, identity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"verified": ok})
				}
				if ok {
					fmt.Println("verified")
				} else {
					fmt.Println("token not found on profile")
				}
				return nil
			})
		},
	})
	return verify
}

func accountDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <identity>",
		Short: "Delete an account (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteAccount(ctx, identity, args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"deleted": args[0]})
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func portersCmd() *cobra.Command {
	porters := &cobra.Command{Use: "porters", Short: "Porter rankings"}
	var limit int
	top := &cobra.Command{
		Use:   "top",
		Short: "Porters ranked by likes and completed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cliLogger(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.TopPorters(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"#", "Name", "Specialty", "Likes", "Dislikes", "Completed", "Verified"})
				for i, a := range items {
					tw.AppendRow(table.Row{i + 1, a.DisplayName, a.Specialty, a.Likes, a.Dislikes, a.CompletedJobs, a.Verified})
				}
				tw.Render()
				return nil
			})
		},
	}
	top.Flags().IntVar(&limit, "limit", 10, "number of porters")
	porters.AddCommand(top)
	return porters
}

func printAccount(a domain.Account) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	tw := newTable(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"ID", a.ID},
		{"Identity", a.Identity},
		{"Name", a.DisplayName},
		{"Role", a.Role},
		{"Specialty", a.Specialty},
		{"Language", a.Language},
		{"Handle", a.Handle},
		{"Verified", a.Verified},
		{"Likes", a.Likes},
		{"Dislikes", a.Dislikes},
		{"Completed jobs", a.CompletedJobs},
	})
	if a.VerificationToken != "" {
		tw.AppendRow(table.Row{"Verification token", a.VerificationToken})
	}
	tw.Render()
	return nil
}
