package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"marketplace-session/internal/bootstrap"
	"marketplace-session/internal/domain"
	"marketplace-session/internal/output"

	"github.com/spf13/cobra"
)

type credentialFlags struct {
	email         string
	password      string
	passwordStdin bool
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.email, "email", "", "account email")
	cmd.Flags().StringVar(&f.password, "password", "", "account password (prefer --password-stdin)")
	cmd.Flags().BoolVar(&f.passwordStdin, "password-stdin", false, "read the password from stdin")
	_ = cmd.MarkFlagRequired("email")
	cmd.MarkFlagsMutuallyExclusive("password", "password-stdin")
}

func (f *credentialFlags) readPassword(in io.Reader) (string, error) {
	if !f.passwordStdin {
		if f.password == "" {
			return "", errors.New("a password is required: use --password or --password-stdin")
		}
		return f.password, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func newLoginCommand(a *app) *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := creds.readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.withSession(cmd.Context(), func(ctx context.Context, s *bootstrap.Session) error {
				identity, err := s.Manager.SignIn(ctx, creds.email, password)
				if err != nil {
					return describeAuthError("sign-in failed", err)
				}
				return a.printIdentity(identity, "Signed in")
			})
		},
	}
	creds.register(cmd)
	return cmd
}

func newLoginGoogleCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login-google",
		Short: "Sign in with Google through the provider's browser flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, s *bootstrap.Session) error {
				identity, err := s.Manager.SignInWithGoogle(ctx)
				if err != nil {
					return describeAuthError("google sign-in failed", err)
				}
				return a.printIdentity(identity, "Signed in with Google")
			})
		},
	}
}

func (a *app) printIdentity(identity *domain.Identity, headline string) error {
	if a.jsonOutput() {
		return a.printer.JSON(identityJSON(identity, false))
	}
	a.printer.Success("%s as %s", headline, identity.Email)
	t := output.NewTable(a.printer.Out(), []string{"Field", "Value"})
	t.AddRow("uid", identity.UID)
	t.AddRow("email", identity.Email)
	if identity.DisplayName != "" {
		t.AddRow("name", identity.DisplayName)
	}
	t.AddRow("email verified", fmt.Sprintf("%t", identity.EmailVerified))
	return t.Render()
}

func identityJSON(identity *domain.Identity, withToken bool) map[string]any {
	if identity == nil {
		return nil
	}
	out := map[string]any{
		"uid":           identity.UID,
		"email":         identity.Email,
		"displayName":   identity.DisplayName,
		"photoURL":      identity.PhotoURL,
		"emailVerified": identity.EmailVerified,
	}
	if withToken {
		out["token"] = identity.Token
	}
	return out
}

// describeAuthError keeps the AuthError code visible in the CLI message.
func describeAuthError(action string, err error) error {
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		return fmt.Errorf("%s (%s): %w", action, ae.Code, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}
