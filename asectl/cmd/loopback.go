package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sarchlab/ase/eventreg"
	"github.com/sarchlab/ase/portctrl"
	"github.com/sarchlab/ase/simpeer"
	"github.com/spf13/cobra"
)

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Run a loopback simulator in the work directory.",
	Long: "`loopback` serves the simulator side of a session until it is " +
		"interrupted. It reflects MMIO through the shared window, collects " +
		"UMsgs and can raise interrupts periodically.",
	Run: func(cmd *cobra.Command, _ []string) {
		dir := workDir(cmd)
		if dir == "" {
			log.Fatalf("Error: no work directory, use --workdir or ASE_WORKDIR.")
		}

		umsgOn, _ := cmd.Flags().GetBool("umsg")
		intrOn, _ := cmd.Flags().GetBool("intr")
		wideOn, _ := cmd.Flags().GetBool("mmio512")
		vector, _ := cmd.Flags().GetUint32("vector")
		every, _ := cmd.Flags().GetDuration("interrupt-every")

		err := runLoopback(dir, portctrl.Supported(umsgOn, intrOn, wideOn),
			vector, every)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(loopbackCmd)
	loopbackCmd.Flags().Bool("umsg", true, "Advertise UMsg support")
	loopbackCmd.Flags().Bool("intr", true, "Advertise interrupt support")
	loopbackCmd.Flags().Bool("mmio512", false, "Advertise 512-bit MMIO")
	loopbackCmd.Flags().Uint32("vector", 0, "Interrupt vector to raise")
	loopbackCmd.Flags().Duration("interrupt-every", 0,
		"Raise the interrupt vector periodically, 0 disables")
}

func runLoopback(
	dir string,
	caps portctrl.Capability,
	vector uint32,
	every time.Duration,
) error {
	peer := simpeer.MakeBuilder().
		WithWorkDir(dir).
		WithCapability(caps).
		Build("Loopback")

	err := peer.Start()
	if err != nil {
		return err
	}
	defer func() {
		if err := peer.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Stop loopback: %v\n", err)
		}
	}()

	broker, err := eventreg.Listen(dir, log.New(os.Stderr, "  [EVT]  ", 0))
	if err != nil {
		return err
	}
	defer broker.Close()

	fmt.Fprintf(os.Stderr, "Loopback simulator serving %s\n", dir)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if every <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			raise(peer, broker, vector)
		}
	}
}

func raise(peer *simpeer.Peer, broker *eventreg.Broker, vector uint32) {
	if peer.Timestamp() != "" {
		if err := peer.RaiseInterrupt(vector); err != nil {
			fmt.Fprintf(os.Stderr, "Raise interrupt %d: %v\n", vector, err)
		}
	}

	if broker.Registered(vector) {
		if err := broker.Signal(vector); err != nil {
			fmt.Fprintf(os.Stderr, "Signal event %d: %v\n", vector, err)
		}
	}
}
