package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Easy-Infra-Ltd/pulse-gateway/src/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exit *cli.ExitError
		if !errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "pulse-gateway: %v\n", err)
		}
		os.Exit(cli.ExitCode(err))
	}
}
