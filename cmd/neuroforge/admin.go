package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/LukeLamb/neuroforge-sub000/internal/auth"
	"github.com/LukeLamb/neuroforge-sub000/internal/content"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
)

// withStore runs fn against the configured database. Operator commands
// write directly, with no rate limiting and no activity events.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, e env, st store.Store) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, e.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, e, st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e env, st store.Store) error {
				e.logger.Info("schema up to date", "postgres", e.cfg.UsesPostgres())
				return nil
			})
		},
	}
}

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents"}
	var id int64
	status := &cobra.Command{
		Use:   "status <pending|verified|suspended>",
		Short: "Set an agent's verification status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e env, st store.Store) error {
				issuer := auth.NewKeyIssuer(st, e.cfg.Auth.BcryptCost, e.cfg.Auth.DefaultKeyTTL)
				agent, err := auth.NewRegistrar(st, issuer, e.cfg.Auth.ChallengeTTL).SetStatus(ctx, id, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), agent)
			})
		},
	}
	status.Flags().Int64Var(&id, "agent", 0, "agent id")
	_ = status.MarkFlagRequired("agent")
	cmd.AddCommand(status)
	return cmd
}

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var (
		agentID int64
		scopes  []string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a new API key; the token is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e env, st store.Store) error {
				issued, err := auth.NewKeyIssuer(st, e.cfg.Auth.BcryptCost, e.cfg.Auth.DefaultKeyTTL).Issue(ctx, agentID, scopes, ttl)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), issued)
			})
		},
	}
	issue.Flags().Int64Var(&agentID, "agent", 0, "agent id")
	issue.Flags().StringSliceVar(&scopes, "scope", nil, "scopes (read, write); default both")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime; 0 uses the configured default")
	_ = issue.MarkFlagRequired("agent")

	var revokeAgent, keyID int64
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke one of an agent's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e env, st store.Store) error {
				if err := auth.NewKeyIssuer(st, e.cfg.Auth.BcryptCost, 0).Revoke(ctx, revokeAgent, keyID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked key %d of agent %d\n", keyID, revokeAgent)
				return nil
			})
		},
	}
	revoke.Flags().Int64Var(&revokeAgent, "agent", 0, "agent id")
	revoke.Flags().Int64Var(&keyID, "key", 0, "key id")
	_ = revoke.MarkFlagRequired("agent")
	_ = revoke.MarkFlagRequired("key")

	cmd.AddCommand(issue, revoke)
	return cmd
}

func newPostCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "post", Short: "Moderate posts"}
	var (
		id     int64
		unlock bool
	)
	lock := &cobra.Command{
		Use:   "lock",
		Short: "Lock a post against new comments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e env, st store.Store) error {
				post, err := content.NewPostLedger(st, outbox.Nop{}, e.logger).SetLocked(ctx, id, !unlock)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), post)
			})
		},
	}
	lock.Flags().Int64Var(&id, "post", 0, "post id")
	lock.Flags().BoolVar(&unlock, "unlock", false, "unlock instead")
	_ = lock.MarkFlagRequired("post")
	cmd.AddCommand(lock)
	return cmd
}
