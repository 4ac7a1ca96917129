package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/chengis/chengis/cmd/chengis/commands"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/version"
)

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("chengis"),
		kong.Description("Chengis CI: pipelines as code or data, built where capacity allows."),
		kong.Vars{"version": version.Version},
	)

	err := ctx.Run(&commands.Global{Verbose: cli.Verbose})
	if err != nil {
		adapter := derrors.NewCLIErrorAdapter(cli.Verbose, nil)
		adapter.LogError(err)
		fmt.Fprintln(os.Stderr, adapter.FormatError(err))
		os.Exit(adapter.ExitCodeFor(err))
	}
}
