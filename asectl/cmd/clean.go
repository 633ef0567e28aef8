package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/eventreg"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/session"
	"github.com/shirou/gopsutil/process"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove what a crashed session left in the work directory.",
	Long: "`clean` removes a stale application lock, the session pipes, the " +
		"ready marker and the event socket. A lock held by a running " +
		"process is left alone unless --force is given.",
	Run: func(cmd *cobra.Command, _ []string) {
		dir := workDir(cmd)
		if dir == "" {
			log.Fatalf("Error: no work directory, use --workdir or ASE_WORKDIR.")
		}

		force, _ := cmd.Flags().GetBool("force")

		err := clean(dir, force)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().Bool("force", false,
		"Clean even if the lock owner is still running")
}

func clean(dir string, force bool) error {
	lockPath := session.LockFilePath(dir)

	pid, err := session.ReadLock(lockPath)
	switch {
	case os.IsNotExist(errors.Cause(err)):
	case err != nil:
		fmt.Printf("Removing unreadable lock %s\n", lockPath)
	default:
		alive, _ := process.PidExists(int32(pid))
		if alive && !force {
			return errors.Errorf(
				"session is owned by running process %d", pid)
		}

		fmt.Printf("Removing lock of process %d\n", pid)
	}

	err = removeIfExists(lockPath)
	if err != nil {
		return err
	}

	err = ipc.RemoveFIFOs(dir)
	if err != nil {
		return err
	}

	err = removeIfExists(filepath.Join(dir, session.ReadyMarkerName))
	if err != nil {
		return err
	}

	return removeIfExists(eventreg.SocketPath(dir))
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}

	return nil
}
