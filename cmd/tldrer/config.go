package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func configCmd(g *globals) *cobra.Command {
	cfgRoot := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after merging defaults, the config file, the
.env file, TLDRER_* environment variables and flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd, false)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			if _, err := fmt.Fprint(cmd.OutOrStdout(), string(data)); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "\nWarning: %v\n", err)
			}
			return nil
		},
	}

	cfgRoot.AddCommand(showCmd)
	return cfgRoot
}
