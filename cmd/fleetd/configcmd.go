package main

import (
	"github.com/kr/pretty"
)

var configCmd = &subcommand{
	Use:   "config",
	Short: "check the config file and print it with defaults filled in",
	Run: func(s *subcommand, args []string) error {
		pretty.Println(s.Config())
		return nil
	},
}
