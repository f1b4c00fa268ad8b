package main

import (
	"os"

	"github.com/leftmike/isodb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
