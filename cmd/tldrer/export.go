package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/tldrer/internal/jsonl"
	"github.com/leonletto/tldrer/internal/signal"
	"github.com/leonletto/tldrer/internal/store"
)

func exportCmd(g *globals) *cobra.Command {
	var (
		out    string
		since  int64
		before int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "export CONVERSATION_ID",
		Short: "Append a conversation's stored messages to a JSONL file",
		Long: `Write the stored messages of a conversation, oldest first, as one JSON
object per line. Records are appended, so the output can be the same file
the run command archives to.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, false)
			if err != nil {
				return err
			}
			if out == "" {
				return errors.New("--out is required")
			}
			log, err := logger(cfg)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Database.Path, store.WithLogger(log.With().Str("component", "store").Logger()))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			msgs, err := signal.NewView(st, nil).GetMessages(cmd.Context(), args[0], store.Window{
				Since:  since,
				Before: before,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w, err := jsonl.NewWriter(out, jsonl.WithSync())
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if err := w.Append(m); err != nil {
					_ = w.Close()
					return err
				}
			}
			if err := w.Close(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d messages to %s\n", len(msgs), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file")
	cmd.Flags().Int64Var(&since, "since", 0, "Only messages after this timestamp (ms)")
	cmd.Flags().Int64Var(&before, "before", 0, "Only messages before this timestamp (ms)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, fmt.Sprintf("Most recent N messages (default %d)", store.DefaultLimit))
	return cmd
}
