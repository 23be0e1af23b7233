// Command diskimager copies, verifies and converts disk images between
// image files and physical drives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diskimager/media"
	"diskimager/stream"
	"diskimager/transfer"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, transfer.ErrCancelled) {
			os.Exit(130)
		}
		os.Exit(2)
	}
}

// app holds what every command shares once the root flags are parsed.
type app struct {
	config Config
	logger *zap.Logger

	debug bool
	trace bool
	ui    bool
}

func (a *app) provider() *media.Provider {
	return &media.Provider{
		Logger:         a.logger,
		LayerDir:       a.config.LayerDir,
		LayerBlockSize: int(a.config.LayerBlockSize),
	}
}

// traced wraps s in a Monitor that logs every call when --trace is set.
func (a *app) traced(name string, s stream.Stream) stream.Stream {
	if !a.trace {
		return s
	}
	logger := a.logger.With(zap.String("stream", name))
	return stream.NewMonitor(s, func(act stream.Activity) {
		logger.Debug(act.Op,
			zap.Int64("offset", act.Offset),
			zap.Int("length", act.Length),
			zap.Error(act.Err),
		)
	})
}

func newRootCommand(config Config) *cobra.Command {
	a := &app{config: config, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "diskimager",
		Short:         "Disk imaging utility",
		Long:          "Copy, verify and convert raw disk images between image files and physical drives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := newLogger(a.debug || a.trace || a.config.Debug)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = a.logger.Sync()
		},
	}
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "log at debug level")
	root.PersistentFlags().BoolVar(&a.trace, "trace", false, "log every stream operation (implies --debug)")
	root.PersistentFlags().BoolVar(&a.ui, "ui", false, "fullscreen block map when stdout is a terminal")

	root.AddCommand(a.copyCommand())
	root.AddCommand(a.verifyCommand())
	root.AddCommand(a.convertCommand())
	root.AddCommand(a.layerCommand())
	root.AddCommand(a.deviceCommand())
	return root
}

func main() {
	config, err := ParseConfig()
	must(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = newRootCommand(config).ExecuteContext(ctx)
	stop()
	must(err)
}
