package main

import (
	"os"

	"github.com/nous-labs/mneme/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
