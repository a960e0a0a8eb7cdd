package main

import (
	"os"

	"github.com/majorcontext/origin/cmd/origin/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
