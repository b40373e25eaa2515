// Command agent is the ngrinder agent process entrypoint: it wires up
// logging, loads properties, and hands off to the cobra root command.
package main

import (
	"fmt"
	"os"

	"github.com/ngrinder/agent/internal/logging"
)

func main() {
	logging.Setup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
