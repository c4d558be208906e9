package main

import (
	"os"

	"sweepdesk.io/cmd/sweepctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
