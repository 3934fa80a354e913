package list

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/tweag/update-launcher/cmd/internal/cmdhelper"
	"github.com/tweag/update-launcher/cmd/internal/session"
	"github.com/tweag/update-launcher/selection"
)

func Run(ctx context.Context, args []string) {
	flagSet := flag.NewFlagSet("list", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Lists the updates of the scope, newest first. The update that would be launched is marked with *.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: update-launcher list [ARGS...]\n")
		flagSet.PrintDefaults()
		os.Exit(1)
	}
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetLaunch)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if globalConfig.DatabasePath == "" {
		cmdhelper.FatalFmt("list needs a database")
	}

	s, err := session.Open(globalConfig)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	defer s.Close()

	updates, err := s.Store().LoadUpdatesForScope(ctx, globalConfig.ScopeKey)
	if err != nil {
		s.Close()
		cmdhelper.FatalFmt("loading updates: %v", err)
	}
	embeddedID := s.EmbeddedReader().EmbeddedUpdateID()
	policy := s.Policy()
	selected, ok := policy.SelectUpdateToLaunch(updates, embeddedID)
	selection.Sort(updates)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tSTATUS\tRUNTIME\tCOMMITTED\tLAST ACCESSED")
	for _, update := range updates {
		marker := ""
		if ok && update.ID == selected.ID {
			marker = "*"
		} else if !policy.Launchable(update, embeddedID) {
			marker = "-"
		}
		lastAccessed := "never"
		if !update.LastAccessed.IsZero() {
			lastAccessed = humanize.Time(update.LastAccessed)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", marker, update.ID, update.Status, update.RuntimeVersion, humanize.Time(update.CommitTime), lastAccessed)
	}
	w.Flush()
}
