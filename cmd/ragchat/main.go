// Command ragchat is the entry point for the retrieval-augmented chat
// service. It provides a CLI (via Cobra) for serving the HTTP API and for
// ingesting documents and asking questions from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragchat-go/cmd/ragchat/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
