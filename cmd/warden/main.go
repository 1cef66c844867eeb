// Package main provides the warden command line entry point.
package main

import (
	"fmt"
	"os"

	"warden/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
