// Negotiator - terminal client for trade negotiation rooms
package main

import (
	"os"

	"github.com/tastyrock/negotiator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
