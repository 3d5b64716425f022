// Package main is the entry point for the prismcast application.
package main

import (
	"os"

	"github.com/prismcast/prismcast/cmd/prismcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
