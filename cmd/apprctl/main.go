package main

import (
	"os"

	"appraise.org/cmd/apprctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
