package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rabbitholeanalytics/gelato-network/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "gelato: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
