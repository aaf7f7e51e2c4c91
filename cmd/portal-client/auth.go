package main

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/portal-client/session"
	"github.com/spf13/cobra"
)

func signinCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if email == "" {
				email = a.cfg.Email
			}

			if email == "" {
				var err error
				if email, err = a.prompt("Email"); err != nil {
					return err
				}
			}

			password := a.cfg.Password
			if password == "" {
				var err error
				if password, err = a.prompt("Password"); err != nil {
					return err
				}
			}

			user, err := a.session.SignIn(ctx, email, password)
			if err != nil {
				return fmt.Errorf("signing in: %w", err)
			}

			return a.render(user)
		}),
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (default $PORTAL_EMAIL)")

	return cmd
}

func registerCmd() *cobra.Command {
	var req session.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if req.Email == "" {
				req.Email = a.cfg.Email
			}

			req.Password = a.cfg.Password
			if req.Password == "" {
				var err error
				if req.Password, err = a.prompt("Password"); err != nil {
					return err
				}
			}

			user, err := a.session.Register(ctx, req)
			if err != nil {
				return fmt.Errorf("registering: %w", err)
			}

			return a.render(user)
		}),
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "account email (default $PORTAL_EMAIL)")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "phone number")

	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}

			// Refresh first so the profile call is never skipped on a
			// lapsed access token.
			if _, err := a.session.AccessToken(ctx); err != nil {
				return err
			}

			user, err := a.session.CurrentUser(ctx)
			if err != nil {
				return fmt.Errorf("fetching profile: %w", err)
			}

			if user == nil {
				user = a.session.CachedUser()
			}

			return a.render(user)
		}),
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End this session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if err := a.session.Logout(ctx); err != nil {
				return fmt.Errorf("clearing session: %w", err)
			}

			a.say("signed out")

			return nil
		}),
	}
}

func logoutAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout-all",
		Short: "End every session of this account",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if err := a.session.LogoutAllDevices(ctx); err != nil {
				return fmt.Errorf("clearing session: %w", err)
			}

			a.say("signed out on all devices")

			return nil
		}),
	}
}

func forgotPasswordCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "forgot-password",
		Short: "Request a password reset link",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if email == "" {
				email = a.cfg.Email
			}

			if err := a.session.ForgotPassword(ctx, email); err != nil {
				return fmt.Errorf("requesting reset: %w", err)
			}

			a.say("if the account exists, a reset link is on its way")

			return nil
		}),
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (default $PORTAL_EMAIL)")

	return cmd
}

func verifyResetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-reset-token <token>",
		Short: "Check a password reset token",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			info, err := a.session.VerifyResetToken(ctx, args[0])
			if err != nil {
				return fmt.Errorf("verifying reset token: %w", err)
			}

			return a.render(info)
		}),
	}
}

func resetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <token>",
		Short: "Set a new password with a reset token",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			password, err := a.prompt("New password")
			if err != nil {
				return err
			}

			if err := a.session.ResetPassword(ctx, args[0], password); err != nil {
				return fmt.Errorf("resetting password: %w", err)
			}

			a.say("password updated, sign in with the new password")

			return nil
		}),
	}
}
