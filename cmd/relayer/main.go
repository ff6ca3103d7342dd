package main

import (
	"os"

	"github.com/scalarorg/relayx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
