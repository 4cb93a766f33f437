package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var errNotFound = errors.New("no matching conversation")

func resolveCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resolve NAME",
		Short: "Resolve a contact or group name to a conversation id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, true)
			if err != nil {
				return err
			}
			log, err := logger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := startApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stopService := runInBackground(ctx, a)
			defer stopService()

			if err := a.svc.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh conversations: %w", err)
			}

			query := strings.Join(args, " ")
			match, ok := a.svc.Match(query)
			if !ok {
				return fmt.Errorf("%w: %q", errNotFound, query)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(match, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			_, err = fmt.Fprintf(out, "%s\t%s\t%d\n", match.ID, match.Name, match.Score)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}
