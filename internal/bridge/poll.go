package bridge

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"murmur/internal/matrix"
)

const (
	syncTimeout = 30 * time.Second
	pollBackoff = 5 * time.Second
)

// PollDriver pulls events with a long-poll loop and a persisted resume
// token. The token is saved after each successful batch, so a crash
// re-delivers the interrupted batch; reconciliation being idempotent makes
// that safe.
type PollDriver struct {
	client matrix.Client
	store  Store
	exec   *Executor
	rec    *Reconciler
	log    *log.Logger
}

func NewPollDriver(client matrix.Client, st Store, exec *Executor, rec *Reconciler) *PollDriver {
	return &PollDriver{
		client: client,
		store:  st,
		exec:   exec,
		rec:    rec,
		log:    log.New(log.Writer(), "[poll] ", log.LstdFlags),
	}
}

func (d *PollDriver) Run(ctx context.Context, commands <-chan Envelope) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runCommandLoop(ctx, commands, d.exec) })
	g.Go(func() error { return d.syncLoop(ctx) })
	return g.Wait()
}

func (d *PollDriver) syncLoop(ctx context.Context) error {
	since, err := d.store.GetSyncToken(ctx)
	if err != nil {
		d.log.Printf("load resume token: %v", err)
	}

	for {
		resp, err := d.client.Sync(ctx, since, syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Printf("sync failed, retrying in %s: %v", pollBackoff, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollBackoff):
			}
			continue
		}

		for _, ev := range resp.Events {
			// Each event fails alone; the batch keeps going.
			if err := d.rec.HandleEvent(ctx, ev); err != nil {
				d.log.Printf("reconcile event %s: %v", ev.ID, err)
			}
		}

		since = resp.NextBatch
		if err := d.store.SaveSyncToken(ctx, since); err != nil {
			// Losing the token risks reprocessing a stream segment.
			// Keep running; the in-memory cursor still advances.
			d.log.Printf("CRITICAL: persist resume token %q: %v", since, err)
		}
	}
}

// runCommandLoop services command envelopes until cancellation. Shared by
// both drivers.
func runCommandLoop(ctx context.Context, commands <-chan Envelope, exec *Executor) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-commands:
			if !ok {
				return nil
			}
			err := exec.Execute(ctx, env.Cmd)
			select {
			case env.Resp <- err:
			default:
				// Caller gave up; not our problem.
			}
		}
	}
}
