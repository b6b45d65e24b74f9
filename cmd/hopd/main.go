package main

import (
	"os"

	"github.com/TeoSlayer/hopwire/cmd/hopd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
