package main

import (
	"os"

	"github.com/r9s-ai/provider-relay/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
