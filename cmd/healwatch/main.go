package main

import (
	"os"

	"github.com/psantana5/healwatch/cmd/healwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
