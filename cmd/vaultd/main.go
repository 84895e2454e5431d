package main

import (
	"os"

	"github.com/luxfi/perpvault/cmd/vaultd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
