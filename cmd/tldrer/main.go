package main

import (
	"encoding/json"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leonletto/tldrer/internal/config"
	"github.com/leonletto/tldrer/internal/logging"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

// globals holds state shared by every command.
type globals struct {
	v *viper.Viper
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "tldrer",
		Short: "Signal conversation ingestion and summarization helper",
		Long: `tldrer follows a Signal account through signal-cli, keeps the current
state of every conversation in SQLite and resolves contact and group
names to conversation ids.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := config.RegisterFlags(g.v, rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("tldrer v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(runCmd(g))
	rootCmd.AddCommand(mcpCmd(g))
	rootCmd.AddCommand(messagesCmd(g))
	rootCmd.AddCommand(resolveCmd(g))
	rootCmd.AddCommand(exportCmd(g))
	rootCmd.AddCommand(configCmd(g))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// load resolves the configuration for cmd.
func (g *globals) load(cmd *cobra.Command, validate bool) (*config.Config, error) {
	flags := cmd.Flags()
	configFile, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")
	return config.Load(g.v, config.LoadOptions{
		ConfigFile: configFile,
		EnvFile:    envFile,
		NoValidate: !validate,
	})
}

// logger builds the root logger. Logs always go to stderr so stdout stays
// free for command output and the MCP stdio transport.
func logger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: os.Stderr})
}

func versionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show tldrer version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				}, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			_, err := fmt.Fprintf(out, "tldrer v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}
