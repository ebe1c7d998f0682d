package main

import (
	"os"

	"github.com/fieldsync/fieldsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
