package cli

import (
	"context"
	"strings"

	"marketplace-session/internal/bootstrap"
	"marketplace-session/internal/domain"

	"github.com/spf13/cobra"
)

func newSignUpCommand(a *app) *cobra.Command {
	var (
		creds  credentialFlags
		fields map[string]string
	)
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create a marketplace account",
		Long: `Create an account through the marketplace backend. This does not sign in.

Extra profile fields are passed through as-is:
  sessionctl signup --email me@example.com --password-stdin --field fullName="Jane Doe"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := creds.readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			extra := make(map[string]any, len(fields))
			for k, v := range fields {
				extra[k] = v
			}
			return a.withSession(cmd.Context(), func(ctx context.Context, s *bootstrap.Session) error {
				user, err := s.Manager.SignUp(ctx, domain.SignUpRequest{
					Email:       strings.TrimSpace(creds.email),
					Password:    password,
					ExtraFields: extra,
				})
				if err != nil {
					return describeAuthError("sign-up failed", err)
				}
				if a.jsonOutput() {
					return a.printer.JSON(user)
				}
				a.printer.Success("Account %s created for %s", user.ID, user.Email)
				return nil
			})
		},
	}
	creds.register(cmd)
	cmd.Flags().StringToStringVar(&fields, "field", nil, "extra sign-up field as key=value (repeatable)")
	return cmd
}

func newResetPasswordCommand(a *app) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Request a password reset email",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, s *bootstrap.Session) error {
				if err := s.Manager.ResetPassword(ctx, email); err != nil {
					return describeAuthError("password reset failed", err)
				}
				a.printer.Success("Password reset email requested for %s", email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
