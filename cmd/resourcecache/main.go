package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tebeka/atexit"

	"resourcecache/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Fatal(context.Background(), logging.ComponentMain, logging.ActionStop, "Command failed", err)
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
