package main

import (
	"os"

	"github.com/chpp-org/gochpp/cmd/chppctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
