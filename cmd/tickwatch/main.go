package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"tickwatch/internal/cli"
	"tickwatch/internal/logging"
)

func main() {
	logger := logging.NewLogger()

	if err := cli.NewRootCmd(logger, cli.WithConfiguredLogging()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
