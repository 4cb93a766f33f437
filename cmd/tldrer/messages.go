package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonletto/tldrer/internal/signal"
	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/summary"
)

// messagesCmd reads the store directly. signal-cli is not started.
func messagesCmd(g *globals) *cobra.Command {
	var (
		requester string
		limit     int
		at        string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "messages CONVERSATION_ID",
		Short: "Print the stored transcript of a conversation",
		Long: `Print the messages a summary of the conversation would cover.

With --limit the last N messages are printed. Otherwise, when --requester
is set, the transcript starts after that sender's last message.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, false)
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return errors.New("database path is required")
			}
			log, err := logger(cfg)
			if err != nil {
				return err
			}

			req := summary.Request{
				ConversationID: args[0],
				RequesterID:    requester,
				At:             time.Now().UnixMilli(),
				Limit:          limit,
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				req.At = t.UnixMilli()
			}

			st, err := store.Open(cfg.Database.Path, store.WithLogger(log.With().Str("component", "store").Logger()))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			msgs, err := summary.Collect(cmd.Context(), signal.NewView(st, nil), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(msgs, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			if len(msgs) == 0 {
				_, err = fmt.Fprintln(cmd.ErrOrStderr(), "No messages")
				return err
			}
			_, err = fmt.Fprintln(out, summary.Transcript(msgs))
			return err
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "Start after this sender's last message")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, fmt.Sprintf("Print the last N messages (max %d)", summary.MaxLimit))
	cmd.Flags().StringVar(&at, "at", "", "Reference time (RFC 3339); defaults to now")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}
