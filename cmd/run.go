package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/katasec/dstream-ingester-capture/connector"
	"github.com/katasec/dstream-ingester-capture/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-capture/internal/config"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/logging"
	"github.com/katasec/dstream-ingester-capture/internal/metrics"
	"github.com/katasec/dstream-ingester-capture/internal/sink"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const stopTimeout = 30 * time.Second

func run(ctx context.Context, path string) error {
	log := logging.Named("runner")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, reg, log); err != nil {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	pub, err := sink.New(ctx, cfg.Sink, log.Named("sink"))
	if err != nil {
		return err
	}
	defer pub.Close()

	p := &connector.Plugin{Registerer: reg}
	if err := p.Start(ctx, cfg.Pipeline); err != nil {
		return err
	}
	defer func() {
		if err := p.Stop(); err != nil {
			log.Warn("Failed to stop pipeline cleanly", "error", err)
		}
	}()

	log.Info("Pipeline started", "config", path, "sink", cfg.Sink.Type)
	err = pump(ctx, p, pub, log, utils.NewBackoffManager(time.Second, time.Minute))
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Info("Shutting down")
		return nil
	}
	return err
}

// pump moves batches from c to pub until ctx is done. An offset is committed only after
// the batch before it was acknowledged; a rejected batch is published again.
func pump(ctx context.Context, c connector.Connector, pub cdc.ChangePublisher, log hclog.Logger, backoff *utils.BackoffManager) error {
	for {
		batch, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("poll failed: %w", err)
		}

		for _, berr := range batch.Errors {
			log.Warn("Table skipped", "table", cerrors.GetTable(berr), "code", cerrors.GetCode(berr), "error", berr)
		}

		if len(batch.Events) > 0 {
			if err := deliver(ctx, pub, batch.Events, log, backoff); err != nil {
				return err
			}
		}

		if batch.Offset != nil {
			if err := c.Commit(ctx, *batch.Offset); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("commit failed: %w", err)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func deliver(ctx context.Context, pub cdc.ChangePublisher, events []cdc.ChangeEvent, log hclog.Logger, backoff *utils.BackoffManager) error {
	defer backoff.ResetInterval()
	for {
		ch, err := pub.PublishChanges(ctx, events)
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		select {
		case ok := <-ch:
			if ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		log.Warn("Batch not acknowledged, retrying", "changeCount", len(events), "retryIn", backoff.GetInterval())
		if err := backoff.Wait(ctx); err != nil {
			return err
		}
	}
}
