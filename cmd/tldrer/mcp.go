package main

import (
	"github.com/spf13/cobra"

	"github.com/leonletto/tldrer/internal/mcp"
)

func mcpCmd(g *globals) *cobra.Command {
	mcpRoot := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server for AI agent integration",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start MCP stdio server",
		Long: `Start an MCP server on stdin/stdout.

The server runs the ingestion service in-process, so signal-cli is started
and messages keep being stored while the agent is connected. Logs go to
stderr.`,
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

			server := mcp.NewServer(a.svc,
				mcp.WithVersion(Version),
				mcp.WithLogger(log.With().Str("component", "mcp").Logger()),
			)
			if err := server.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	mcpRoot.AddCommand(serveCmd)
	return mcpRoot
}
