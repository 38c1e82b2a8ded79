// Package main is the entry point for the hubctl CLI.
// hubctl is the operator terminal tool for the hubbridge API.
package main

import (
	"os"

	"hubbridge/cmd/cli/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
