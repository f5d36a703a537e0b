package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/lfarias/mailkeep/internal/daemon"
	"github.com/lfarias/mailkeep/internal/paths"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (defaults to ~/.mailkeep)")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = paths.DefaultDataDir()
	}
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: could not resolve data directory")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dataDir}),
	)

	app.Run()
}
