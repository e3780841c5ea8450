// Package main is the entry point for goborg-homelab.
package main

import (
	"errors"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}
