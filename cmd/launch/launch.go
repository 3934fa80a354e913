package launch

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/tweag/update-launcher/cmd/internal/cmdhelper"
	"github.com/tweag/update-launcher/cmd/internal/session"
	"github.com/tweag/update-launcher/internal/logging"
)

func Run(ctx context.Context, args []string) {
	flagSet := flag.NewFlagSet("launch", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Selects the update to launch, materializes its assets and prints the result as JSON.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: update-launcher launch [ARGS...]\n")
		flagSet.PrintDefaults()
		examples := []string{
			"update-launcher launch --scope_key=@acme/app --runtime_version=1.0.0",
			"update-launcher launch --config=launcher.yaml --manifest_filter=branch=main",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetLaunch|cmdhelper.FlagPresetRemote|cmdhelper.FlagPresetDownload)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if flagSet.NArg() != 0 {
		flagSet.Usage()
	}

	s, err := session.Open(globalConfig)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	defer s.Close()

	result, err := s.Launch(ctx)
	if err != nil {
		s.Close()
		cmdhelper.FatalFmt("launch failed: %v", err)
	}
	logging.Basicf("launched update %s (%d assets)", result.LaunchedUpdate.ID, len(result.LocalAssetFiles))

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		cmdhelper.FatalFmt("writing result: %v", err)
	}
}
