// Command epicctl is the operator CLI for an epicflow server.
package main

import (
	"os"

	"github.com/example/epicflow/cmd/epicctl/internal/cli"
	"github.com/example/epicflow/cmd/epicctl/internal/ui"
)

func main() {
	if err := cli.Execute(); err != nil {
		ui.PrintError(os.Stderr, err.Error())
		os.Exit(1)
	}
}
