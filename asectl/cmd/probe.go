package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/monitoring"
	"github.com/sarchlab/ase/recording"
	"github.com/sarchlab/ase/session"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Establish a session and exercise it once.",
	Long: "`probe` establishes a session with the simulator in the work " +
		"directory, writes a value to an MMIO offset, reads it back, " +
		"optionally allocates a shared buffer and tears the session down.",
	Run: func(cmd *cobra.Command, _ []string) {
		if dir := workDir(cmd); dir != "" {
			os.Setenv(session.EnvWorkDir, dir)
		}

		cfg, err := session.LoadConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		opts := probeOptions{}
		opts.offset, _ = cmd.Flags().GetInt64("offset")
		opts.value, _ = cmd.Flags().GetUint64("value")
		opts.alloc, _ = cmd.Flags().GetUint64("alloc")
		opts.hold, _ = cmd.Flags().GetBool("hold")
		opts.browser, _ = cmd.Flags().GetBool("browser")

		err = runProbe(cfg, opts)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().Int64("offset", 0, "MMIO offset to write and read")
	probeCmd.Flags().Uint64("value", 0xdeadbeef, "Value to write")
	probeCmd.Flags().Uint64("alloc", 0,
		"Size of a shared buffer to allocate, 0 skips allocation")
	probeCmd.Flags().Bool("hold", false,
		"Keep the session open until Enter is pressed")
	probeCmd.Flags().Bool("browser", false,
		"Open the status page when ASE_MONITOR_PORT is set")
}

type probeOptions struct {
	offset  int64
	value   uint64
	alloc   uint64
	hold    bool
	browser bool
}

func runProbe(cfg session.Config, opts probeOptions) error {
	s := session.MakeBuilder().
		WithConfig(cfg).
		Build("App")

	var trace *recording.Trace
	if cfg.TraceDB != "" {
		recorder := recording.New(cfg.TraceDB)
		defer recorder.Close()

		s.AcceptHook(recording.NewTracer(recorder))

		var err error
		trace, err = recording.OpenTrace(recording.DBFile(cfg.TraceDB))
		if err != nil {
			return err
		}
		defer trace.Close()
	}

	if cfg.MonitorPort != 0 {
		monitor := monitoring.NewMonitor().WithPortNumber(cfg.MonitorPort)
		if opts.browser {
			monitor.WithBrowser()
		}

		monitor.RegisterSession(s)
		monitor.RegisterObject("Registry", s.Registry())
		if trace != nil {
			monitor.RegisterTrace(trace)
		}
		monitor.StartServer()
		defer monitor.StopServer()
	}

	ctx := context.Background()

	err := s.Init(ctx)
	if err != nil {
		return err
	}
	defer s.Deinit()

	caps := s.Capabilities()
	fmt.Printf("Session %s established, %s\n", s.Timestamp(), caps)

	err = s.Write64(ctx, opts.offset, opts.value)
	if err != nil {
		return errors.Wrap(err, "write")
	}

	got, err := s.Read64(ctx, opts.offset)
	if err != nil {
		return errors.Wrap(err, "read")
	}

	fmt.Printf("MMIO[0x%x] = 0x%x\n", opts.offset, got)

	if got != opts.value {
		fmt.Fprintf(os.Stderr,
			"WARNING: wrote 0x%x but read 0x%x\n", opts.value, got)
	}

	if opts.alloc > 0 {
		buf, err := s.Allocate(ctx, opts.alloc)
		if err != nil {
			return errors.Wrap(err, "allocate")
		}

		fmt.Printf("Buffer %d (%s): local 0x%x, peer 0x%x, phys [0x%x, 0x%x)\n",
			buf.Index, buf.Name, buf.LocalBase, buf.PeerBase,
			buf.PhysLo, buf.PhysHi)
	}

	if opts.hold {
		fmt.Println("Press Enter to end the session.")
		_, _ = fmt.Scanln()
	}

	return nil
}
