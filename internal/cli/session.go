package cli

import (
	"context"
	"fmt"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"marketplace-session/internal/bootstrap"
	"marketplace-session/internal/output"
	"marketplace-session/internal/usecase"

	"github.com/spf13/cobra"
)

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, s *bootstrap.Session) error {
				err := s.Manager.SignOut(ctx)
				if err != nil {
					a.printer.Warning("provider sign-out reported: %v", err)
				}
				a.printer.Success("Signed out, local session cleared")
				return err
			})
		},
	}
}

func newWhoAmICommand(a *app) *cobra.Command {
	var showToken bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, s *bootstrap.Session) error {
				snap := s.Manager.Snapshot()
				authed := s.Manager.IsAuthenticated(ctx)

				if a.jsonOutput() {
					return a.printer.JSON(map[string]any{
						"state":         snap.State.String(),
						"authenticated": authed,
						"identity":      identityJSON(snap.Identity, showToken),
					})
				}

				t := output.NewTable(a.printer.Out(), []string{"Field", "Value"})
				t.AddRow("state", a.printer.StateBadge(snap.State.String()))
				t.AddRow("authenticated", fmt.Sprintf("%t", authed))
				if id := snap.Identity; id != nil {
					t.AddRow("uid", id.UID)
					t.AddRow("email", id.Email)
					t.AddRow("name", id.DisplayName)
					if showToken {
						t.AddRow("token", id.Token)
					}
				}
				return t.Render()
			})
		},
	}
	cmd.Flags().BoolVar(&showToken, "show-token", false, "include the access token")
	return cmd
}

func newProfileCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Synchronize and show the marketplace profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, s *bootstrap.Session) error {
				profile, err := s.Manager.SyncProfile(ctx)
				if err != nil {
					return fmt.Errorf("profile: %w", err)
				}
				if a.jsonOutput() {
					_, err := a.printer.Out().Write(append(profile.Payload, '\n'))
					return err
				}

				t := output.NewTable(a.printer.Out(), []string{"Field", "Value"})
				t.AddRow("name", profile.DisplayName)
				t.AddRow("avatar", profile.AvatarURL)
				keys := make([]string, 0, len(profile.Preferences))
				for k := range profile.Preferences {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					t.AddRow("preferences."+k, fmt.Sprint(profile.Preferences[k]))
				}
				return t.Render()
			})
		},
	}
}

func newWatchCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print session changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			return a.withSession(ctx, func(ctx context.Context, s *bootstrap.Session) error {
				changes := make(chan usecase.Snapshot, 16)
				unsubscribe := s.Manager.OnChange(func(snap usecase.Snapshot) {
					select {
					case changes <- snap:
					default:
					}
				})
				defer unsubscribe()

				a.printSnapshot(s.Manager.Snapshot())
				for {
					select {
					case <-ctx.Done():
						return nil
					case snap := <-changes:
						a.printSnapshot(snap)
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop after this long (0 waits for Ctrl-C)")
	return cmd
}

func (a *app) printSnapshot(snap usecase.Snapshot) {
	who := "-"
	if snap.Identity != nil {
		who = snap.Identity.Email
	}
	a.printer.Info("%s  %s  %s  gen=%d", time.Now().Format(time.TimeOnly), a.printer.StateBadge(snap.State.String()), who, snap.Generation)
}
