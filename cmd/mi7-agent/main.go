// Command mi7-agent is the producer-side daemon: it creates (or attaches
// to) the slot pipe named in its TOML config, runs a Scheduler that hands
// out slot reservations on demand, and commits messages from an
// in-process demand source until interrupted. Grounded on
// sakateka-yanet2's coordinator cmd/coordinator main.go, the same as
// cmd/mi7-worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mi7io/mi7/internal/config"
	"github.com/mi7io/mi7/internal/logging"
	"github.com/mi7io/mi7/internal/wire"
	"github.com/mi7io/mi7/internal/xcmd"
	"github.com/mi7io/mi7/pkg/fanout"
	"github.com/mi7io/mi7/pkg/slotpipe"
)

const metricsTickInterval = 10 * time.Second

type cmdArgs struct {
	ConfigPath string
}

var cmd cmdArgs

var rootCmd = &cobra.Command{
	Use:   "mi7-agent",
	Short: "mi7 agent: produces messages into the slot pipe on demand",
	RunE: func(rawCmd *cobra.Command, args []string) error {
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

	log, _, err := logging.Init(cfg.Logging, "agent")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	profile, err := cfg.Pipe.Resolve()
	if err != nil {
		return err
	}

	pipe, err := slotpipe.Create(cfg.Pipe.Name, profile)
	if err != nil {
		return fmt.Errorf("create pipe %q: %w", cfg.Pipe.Name, err)
	}
	defer pipe.Close()

	log.Infow("agent started", "pipe", cfg.Pipe.Name, "capacity", profile.Capacity, "slot_size", profile.SlotSize)

	scheduler := fanout.NewScheduler(pipe, cfg.Scheduler.ChannelCapacity, log)
	runner := fanout.NewRunner(log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return runner.Run(ctx, scheduler.Run, producerLoop(scheduler, pipe, log),
			fanout.MetricsTick(log, metricsTickInterval, scheduler))
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// producerLoop stands in for the real message source a production
// deployment would drive the scheduler with: it requests a slot, waits
// for the scheduler to reserve one, and commits a small randomized
// payload, at a modest fixed rate.
func producerLoop(scheduler *fanout.Scheduler, pipe *slotpipe.Pipe, log *zap.SugaredLogger) fanout.Stage {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				scheduler.Request()
			case index := <-scheduler.Indices():
				payload := make([]byte, 16)
				rand.Read(payload)

				requestID, err := pipe.Store(index, wire.Message{Flag: 1, Data: payload})
				if err != nil {
					log.Infow("failed to commit message", "index", index, zap.Error(err))
					continue
				}

				log.Infow("committed message", "index", index, "request_id", requestID)
			}
		}
	}
}
