package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fxnlabs/sgemm-bench/internal/config"
	"github.com/tebeka/atexit"
)

const defaultEnvFile = ".env"

func main() {
	// Load the env file before flags read their environment variables.
	path, required := envFile(os.Args[1:])
	if err := config.LoadEnvFile(path, required); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		atexit.Exit(1)
	}

	if err := newApp().Run(os.Args); err != nil {
		var exit *exitError
		if !errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

// envFile returns the --env-file argument and whether it was given.
func envFile(args []string) (string, bool) {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "env-file" {
			continue
		}
		if hasValue {
			return value, true
		}
		if i+1 < len(args) {
			return args[i+1], true
		}
	}
	if v, ok := os.LookupEnv("SGEMM_ENV_FILE"); ok {
		return v, true
	}
	return defaultEnvFile, false
}
