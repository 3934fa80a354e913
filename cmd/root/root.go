package root

import (
	"context"
	"fmt"
	"os"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/cmd/codesigning"
	"github.com/tweag/update-launcher/cmd/launch"
	"github.com/tweag/update-launcher/cmd/list"
	"github.com/tweag/update-launcher/cmd/mount"
	"github.com/tweag/update-launcher/internal/logging"
)

const usage = `Usage: update-launcher [COMMAND] [ARGS...]

Commands:
  launch       Launch an update and print the result
  list         List the updates of the scope
  mount        Launch an update and mount its assets
  codesigning  Verify manifest signatures`

func Run(ctx context.Context, args []string) {
	setLogLevel()
	if len(args) < 2 {
		printUsage()
	}

	command := args[1]
	switch command {
	case "launch":
		launch.Run(ctx, args[2:])
	case "list":
		list.Run(ctx, args[2:])
	case "mount":
		mount.Run(ctx, args[2:])
	case "codesigning":
		codesigning.Run(ctx, args[2:])
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(1)
}

func setLogLevel() {
	level, ok := os.LookupEnv(api.LogLevelEnv)
	if !ok {
		return
	}
	logging.SetLevel(logging.FromString(level))
}
