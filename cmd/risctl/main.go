package main

import (
	"os"

	"github.com/nidhogg/ris/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
