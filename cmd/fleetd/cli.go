package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fleetrpc/config"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "pre-forked RPC server and client",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path")
}

type subcommand struct {
	Use        string
	Short      string
	Example    string
	Args       cobra.PositionalArgs
	Run        func(s *subcommand, args []string) error
	SetupFlags func(f *pflag.FlagSet)

	config *config.Config
}

func (s *subcommand) Config() *config.Config { return s.config }

func (s *subcommand) run(cmd *cobra.Command, args []string) {
	conf, err := config.ParseConfig(rootArgs.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not parse config: %s\n", err)
		os.Exit(1)
	}
	s.config = conf
	if err := s.Run(s, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func addSubcommand(s *subcommand) {
	cmd := cobra.Command{
		Use:     s.Use,
		Short:   s.Short,
		Example: s.Example,
		Args:    s.Args,
		Run:     s.run,
	}
	if s.SetupFlags != nil {
		s.SetupFlags(cmd.Flags())
	}
	rootCmd.AddCommand(&cmd)
}

func run() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
