package main

import (
	"os"

	"github.com/pkg/browser"
)

func main() {
	// stdout may carry photo bytes; keep browser launcher chatter off it.
	browser.Stdout = os.Stderr

	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
