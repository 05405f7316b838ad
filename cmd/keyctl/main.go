package main

import (
	"os"

	"e2ee-relay/cmd/keyctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
