// Package cli wires configuration, storage, the display sink and the
// pipeline behind the photpipe command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"photpipe/internal/config"
	"photpipe/internal/display"
	"photpipe/internal/logging"
	"photpipe/internal/pipeline"
	"photpipe/internal/server"
	"photpipe/internal/storage"
	"photpipe/internal/watch"
)

// Exit codes: errors in different phases of a run signal distinct
// failure classes to the scheduler that calls us each night.
const (
	ExitSetup       = 1
	ExitCalibration = 2
	ExitProcessing  = 3
)

// ExitError carries the process exit code a failure maps to.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from err, defaulting to ExitSetup.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitSetup
}

// run holds everything a fully wired invocation needs.
type run struct {
	night *config.Night
	inst  *config.Instrument
	store *storage.Store
	sink  display.Sink
	pipe  *pipeline.Pipeline
	log   *slog.Logger
}

// NewRootCmd builds the photpipe command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "photpipe <night_config> <instrument_config>",
		Short: "Nightly reduction and differential aperture photometry",
		Long: `Photpipe reduces a night of CCD frames: it builds master calibration
frames, corrects each science frame, aligns it against the reference
image and measures aperture photometry for every star in the region
file, recording the results in a SQLite database.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := setup(args[0], args[1])
			if err != nil {
				return &ExitError{Code: ExitSetup, Err: err}
			}
			defer r.store.Close()
			return r.reduceNight(signalContext())
		},
	}

	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// setup loads both configs and wires storage, display and pipeline.
func setup(nightPath, instPath string) (*run, error) {
	night, err := config.LoadNight(nightPath)
	if err != nil {
		return nil, err
	}
	inst, err := config.LoadInstrument(instPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(night.Logging.Level, night.Logging.Format)

	store, err := storage.New(night.DatabasePath)
	if err != nil {
		return nil, err
	}

	var sink display.Sink = display.Nop{}
	if night.Display {
		ds9 := display.NewDS9(inst.Display.WindowID,
			time.Duration(inst.Display.SettleSecs)*time.Second, log)
		if ds9.Available() {
			sink = ds9
		} else {
			log.Warn("display requested but xpaset not found, continuing without")
		}
	}

	return &run{
		night: night,
		inst:  inst,
		store: store,
		sink:  sink,
		pipe:  pipeline.New(night, inst, store, sink, log),
		log:   log,
	}, nil
}

// reduceNight executes the batch reduction for one night.
func (r *run) reduceNight(ctx context.Context) error {
	start := time.Now()

	if err := r.pipe.Setup(); err != nil {
		r.log.Error("setup failed", "error", err)
		return &ExitError{Code: ExitSetup, Err: err}
	}
	if err := r.pipe.BuildMasters(ctx); err != nil {
		r.log.Error("calibration failed", "error", err)
		return &ExitError{Code: ExitCalibration, Err: err}
	}
	summary, err := r.pipe.Process(ctx)
	if err != nil {
		r.log.Error("processing aborted", "error", err)
		return &ExitError{Code: ExitProcessing, Err: err}
	}

	r.log.Info("night reduced",
		"processed", summary.Processed,
		"accepted", summary.Accepted,
		"rejected", summary.Rejected,
		"failed", summary.Failed,
		"duration", time.Since(start).Round(time.Second).String(),
	)
	return nil
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <night_config> <instrument_config>",
		Short: "Reduce frames live as the camera writes them",
		Long: `Watch runs the same setup and calibration as a batch reduction, then
monitors the image directory and processes each new science frame as
soon as it is fully written. Stops on SIGINT or SIGTERM.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := setup(args[0], args[1])
			if err != nil {
				return &ExitError{Code: ExitSetup, Err: err}
			}
			defer r.store.Close()

			ctx := signalContext()
			if err := r.pipe.Setup(); err != nil {
				return &ExitError{Code: ExitSetup, Err: err}
			}
			if err := r.pipe.BuildMasters(ctx); err != nil {
				return &ExitError{Code: ExitCalibration, Err: err}
			}

			w := watch.New(r.night.ImageDir, r.pipe.ProcessArrival, r.log)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return &ExitError{Code: ExitProcessing, Err: err}
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve <night_config>",
		Short: "Serve a read-only HTTP view of the photometry database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			night, err := config.LoadNight(args[0])
			if err != nil {
				return &ExitError{Code: ExitSetup, Err: err}
			}
			log := logging.New(night.Logging.Level, night.Logging.Format)

			store, err := storage.New(night.DatabasePath)
			if err != nil {
				return &ExitError{Code: ExitSetup, Err: err}
			}
			defer store.Close()

			srv := server.New(addr, store, log)
			if err := srv.Start(signalContext()); err != nil {
				return &ExitError{Code: ExitProcessing, Err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "server address (host:port)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("photpipe v1.0.0")
		},
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

// Execute runs the root command, translating failures to exit codes.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitCode(err)
	}
	return 0
}
