package mount

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/cmd/internal/cmdhelper"
	"github.com/tweag/update-launcher/cmd/internal/session"
	"github.com/tweag/update-launcher/fs"
	"github.com/tweag/update-launcher/fs/bundletree"
	"github.com/tweag/update-launcher/fs/mountinfo"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
	"github.com/tweag/update-launcher/watcher"
)

func Run(ctx context.Context, args []string) {
	var viewName, digestHashAttributeName string
	var watch bool

	flagSet := flag.NewFlagSet("mount", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Launches an update and mounts its assets read-only at the specified mountpoint.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: update-launcher mount [ARGS...] [mountpoint]\n")
		flagSet.PrintDefaults()
		examples := []string{
			"update-launcher mount ./bundle",
			"update-launcher mount --view=cas --watch ./bundle",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}
	flagSet.StringVar(&viewName, "view", "default", fmt.Sprintf("The view on the launched update. Allowed values: %v", bundletree.ViewNames()))
	flagSet.StringVar(&digestHashAttributeName, "digest_hash_attribute_name", "", `Name of an additional extended attribute (xattr) holding the sha256 of a file. "user.sha256" is always available`)
	flagSet.BoolVar(&watch, "watch", false, "Relaunch and update the mount when the embedded manifest changes")
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetLaunch|cmdhelper.FlagPresetRemote|cmdhelper.FlagPresetDownload|cmdhelper.FlagPresetFUSE)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
	}
	mountpoint := flagSet.Arg(0)
	view, ok := bundletree.ViewFromString(viewName)
	if !ok {
		cmdhelper.FatalFmt("invalid view: %s", viewName)
	}
	if table, err := mountinfo.GetMounts(); err == nil {
		if existing, err := table.MountPoint(mountpoint); err == nil && existing.IsUpdateLauncher() {
			cmdhelper.FatalFmt("%s is already a bundle mount (mount id %d)", mountpoint, existing.MountID)
		}
	} else if !errors.Is(err, errors.NotSupported) {
		logging.Warningf("reading mount table: %v", err)
	}

	s, err := session.Open(globalConfig)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	defer s.Close()

	tree, err := launchTree(ctx, s, view)
	if err != nil {
		s.Close()
		cmdhelper.FatalFmt("%v", err)
	}
	root := fs.NewRoot(tree, integrity.SHA256, time.Now(), digestHashAttributeName)

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if watch {
		manifestWatcher, err := watcher.New(cmdhelper.SubstituteHome(globalConfig.EmbeddedManifestPath), integrity.SHA256, func(ctx context.Context) error {
			tree, err := launchTree(ctx, s, view)
			if err != nil {
				return err
			}
			root.UpdateTree(tree, time.Now())
			return nil
		})
		if err != nil {
			s.Close()
			cmdhelper.FatalFmt("watching embedded manifest: %v", err)
		}
		if err := manifestWatcher.Start(ctx, wg); err != nil {
			s.Close()
			cmdhelper.FatalFmt("watching embedded manifest: %v", err)
		}
	}

	server, err := fs.Mount(mountpoint, root, fs.MountOptions{Debug: globalConfig.FUSEDebugEnable()})
	if err != nil {
		s.Close()
		cmdhelper.FatalFmt("%v", err)
	}
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			// already unmounted from outside
			logging.Debugf("unmounting %s: %v", mountpoint, err)
		}
	}()
	server.Wait()
	cancel()
}

func launchTree(ctx context.Context, s *session.Session, view bundletree.View) (bundletree.Tree, error) {
	result, err := s.Launch(ctx)
	if err != nil {
		return bundletree.Tree{}, errors.Annotate(err, "launch failed")
	}
	logging.Basicf("launched update %s", result.LaunchedUpdate.ID)
	tree, err := view.Tree(result, integrity.SHA256)
	if err != nil {
		return bundletree.Tree{}, errors.Annotatef(err, "arranging update %s", result.LaunchedUpdate.ID)
	}
	return tree, nil
}
