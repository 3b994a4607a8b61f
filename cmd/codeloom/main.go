// Package main is the codeloom CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/codeloom-ai/codeloom/cmd/codeloom/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
