// Package main is the entry point for the gqlink command.
package main

import (
	"fmt"
	"os"

	"github.com/ambiyansyah-risyal/gqlink/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
