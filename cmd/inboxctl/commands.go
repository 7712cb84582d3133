package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sudooom.im.inbox/internal/client"
	"sudooom.im.inbox/internal/config"
	"sudooom.im.inbox/internal/identity"
	"sudooom.im.inbox/internal/reconcile"
)

func init() {
	sendCmd.Flags().String("client-token", "", "idempotency token (generated when empty)")
	sendCmd.Flags().Int("attempts", 3, "attempts for retryable failures")
	messagesCmd.Flags().Int64("since", 0, "return messages after this message id")
	messagesCmd.Flags().Int("limit", 50, "page size")
	messagesCmd.Flags().Bool("all", false, "follow pages until the end")
	readCmd.Flags().Bool("all", false, "mark every conversation read")
	tailCmd.Flags().Uint64("resume-token", 0, "replay events after this sequence")
	tailCmd.Flags().String("subscription", "", "resume this subscription")
	tokenCmd.Flags().String("secret", config.GetEnv("JWT_SECRET", ""), "signing secret")
	tokenCmd.Flags().String("issuer", "im-inbox", "token issuer")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(sendCmd, conversationsCmd, messagesCmd, readCmd, tailCmd, tokenCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <recipient> <body>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		clientToken, _ := cmd.Flags().GetString("client-token")
		attempts, _ := cmd.Flags().GetInt("attempts")

		if clientToken != "" {
			res, err := c.Send(cmd.Context(), args[0], args[1], clientToken)
			if err != nil {
				return err
			}
			return printOut(cmd.OutOrStdout(), res)
		}

		tl := reconcile.NewTimeline(actAs)
		_, sendErr := c.SendOptimistic(cmd.Context(), tl, args[0], args[1], attempts)
		for _, e := range tl.With(args[0]) {
			out := map[string]any{"status": e.Status.String(), "message": e.Message}
			if e.Err != nil {
				out["error"] = e.Err.Error()
			}
			if err := printOut(cmd.OutOrStdout(), out); err != nil {
				return err
			}
		}
		return sendErr
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.Conversations(cmd.Context())
		if err != nil {
			return err
		}
		total, err := c.Unread(cmd.Context())
		if err != nil {
			return err
		}
		return printOut(cmd.OutOrStdout(), map[string]any{"unread": total, "conversations": list})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <counterpart>",
	Short: "Show messages exchanged with a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		since, _ := cmd.Flags().GetInt64("since")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		for {
			page, err := c.Messages(cmd.Context(), args[0], since, limit)
			if err != nil {
				return err
			}
			if err := printOut(cmd.OutOrStdout(), page.List); err != nil {
				return err
			}
			if !all || !page.HasMore {
				return nil
			}
			since = page.Next
		}
	},
}

var readCmd = &cobra.Command{
	Use:   "read [counterpart]",
	Short: "Mark a conversation (or all with --all) as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		var n int
		switch {
		case all:
			n, err = c.MarkAllRead(cmd.Context())
		case len(args) == 1:
			n, err = c.MarkRead(cmd.Context(), args[0])
		default:
			return fmt.Errorf("counterpart required unless --all is set")
		}
		if err != nil {
			return err
		}
		return printOut(cmd.OutOrStdout(), map[string]int{"count": n})
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the realtime event stream, skipping duplicates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		opts := client.TailOptions{Reconnect: true}
		if cmd.Flags().Changed("resume-token") {
			token, _ := cmd.Flags().GetUint64("resume-token")
			opts.ResumeToken = &token
		}
		opts.SubscriptionID, _ = cmd.Flags().GetString("subscription")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tl := reconcile.NewTimeline(actAs)
		err = c.Follow(ctx, tl, opts, func(ch client.Change) error {
			if ch.Reset {
				return printOut(cmd.OutOrStdout(), map[string]any{
					"reset":         true,
					"resume_token":  tl.LastSequence(),
					"message_count": len(tl.Messages()),
				})
			}
			return printOut(cmd.OutOrStdout(), ch.Event)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <viewer>",
	Short: "Mint a development access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		issuer, _ := cmd.Flags().GetString("issuer")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if secret == "" {
			return fmt.Errorf("missing secret: pass --secret or set JWT_SECRET")
		}

		signed, expiresAt, err := identity.NewTokenService(secret, ttl, issuer).Generate(args[0])
		if err != nil {
			return err
		}
		return printOut(cmd.OutOrStdout(), map[string]any{"token": signed, "expires_at": expiresAt})
	},
}
