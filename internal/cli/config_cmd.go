package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"skymatch/internal/config"
)

func newConfigCmd(r *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.configShow()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(r.out, configPath())
			return nil
		},
	})
	return cmd
}

func configPath() string {
	if p := os.Getenv(config.EnvConfigPath); p != "" {
		return p
	}
	return "(default) ~/.config/skymatch/config.json"
}

func (r *Root) configShow() error {
	b, err := yaml.Marshal(r.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Fprintf(r.out, "# config file: %s\n", configPath())
	_, err = r.out.Write(b)
	return err
}

func newVersionCmd(r *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(r.out, "skymatch %s\n", Version)
			fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
			fmt.Fprintf(r.out, "Storage driver: %s\n", r.cfg.Storage.Driver)
			return nil
		},
	}
}
