package main

import (
	"os"

	"github.com/tangthinker/easysave/cmd/easysave/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
