// Command mi7-worker is the consumer-side daemon: it opens the slot pipe
// and mailbox named in its TOML config, runs a Listener feeding a
// WorkerPool, and releases delivered messages to a handler until
// interrupted. Grounded on sakateka-yanet2's coordinator cmd/coordinator
// main.go (cobra root command + errgroup + signal wait).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mi7io/mi7/internal/config"
	"github.com/mi7io/mi7/internal/logging"
	"github.com/mi7io/mi7/internal/xcmd"
	"github.com/mi7io/mi7/pkg/fanout"
	"github.com/mi7io/mi7/pkg/mailbox"
	"github.com/mi7io/mi7/pkg/slotpipe"
	"github.com/mi7io/mi7/pkg/wireutil"
)

const metricsTickInterval = 10 * time.Second

type cmdArgs struct {
	ConfigPath string
	WorkerID   string
}

var cmd cmdArgs

var rootCmd = &cobra.Command{
	Use:   "mi7-worker [worker-id]",
	Short: "mi7 worker: drains the slot pipe and dispatches messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(rawCmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cmd.WorkerID = args[0]
		} else {
			cmd.WorkerID = strconv.Itoa(os.Getpid())
		}

		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return nil
			}
			return err
		}

		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the TOML configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd cmdArgs) error {
	cfg, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	log, _, err := logging.Init(cfg.Logging, "worker-"+cmd.WorkerID)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	profile, err := cfg.Pipe.Resolve()
	if err != nil {
		return err
	}

	pipe, err := slotpipe.Connect(cfg.Pipe.Name, profile)
	if err != nil {
		return fmt.Errorf("connect to pipe %q: %w", cfg.Pipe.Name, err)
	}
	defer pipe.Close()

	mailboxClasses, err := cfg.Mailbox.Resolve()
	if err != nil {
		return err
	}

	box, err := mailbox.Create(cfg.Mailbox.Name, mailboxClasses)
	if err != nil {
		return fmt.Errorf("open mailbox %q: %w", cfg.Mailbox.Name, err)
	}
	defer box.Close()

	stats := box.Stats()
	log.Infow("worker started",
		"worker_id", cmd.WorkerID,
		"pipe", cfg.Pipe.Name,
		"pool_size", cfg.Worker.PoolSize,
		"mailbox", cfg.Mailbox.Name,
		"mailbox_boxes", stats.TotalCount,
	)

	listener := fanout.NewListener(pipe, cfg.Worker.ChannelCapacity, log)
	pool := fanout.NewWorkerPool(pipe, listener.Indices(), cfg.Worker.PoolSize, wireutil.LoggingHandler(log), log)
	runner := fanout.NewRunner(log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return runner.Run(ctx, listener.Run, pool.Run,
			fanout.MetricsTick(log, metricsTickInterval, listener, pool))
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
