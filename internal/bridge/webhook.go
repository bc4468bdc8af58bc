package bridge

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"murmur/internal/matrix"
)

const webhookDrainGrace = 5 * time.Second

// WebhookDriver receives pushed event transactions on an embedded HTTP
// listener authenticated by a shared secret. Events are reconciled
// concurrently without blocking the transaction acknowledgement.
type WebhookDriver struct {
	addr    string
	hsToken string
	exec    *Executor
	rec     *Reconciler
	log     *log.Logger

	inflight sync.WaitGroup
}

func NewWebhookDriver(addr, hsToken string, exec *Executor, rec *Reconciler) *WebhookDriver {
	return &WebhookDriver{
		addr:    addr,
		hsToken: hsToken,
		exec:    exec,
		rec:     rec,
		log:     log.New(log.Writer(), "[webhook] ", log.LstdFlags),
	}
}

func (d *WebhookDriver) Run(ctx context.Context, commands <-chan Envelope) error {
	srv := &http.Server{
		Addr:              d.addr,
		Handler:           d.handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runCommandLoop(ctx, commands, d.exec) })
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webhookDrainGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.log.Printf("listener shutdown: %v", err)
		}
		d.waitInflight(webhookDrainGrace)
		return nil
	})

	d.log.Printf("listening on %s", d.addr)
	return g.Wait()
}

func (d *WebhookDriver) handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/_matrix/app/v1/transactions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !d.authenticated(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_FORBIDDEN"})
			return
		}

		var txn struct {
			Events []matrix.Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
			http.Error(w, "bad transaction body", http.StatusBadRequest)
			return
		}

		// Detached from the run context so in-flight events can drain
		// through the shutdown grace period.
		evCtx := context.WithoutCancel(ctx)
		for _, ev := range txn.Events {
			ev := ev
			d.inflight.Add(1)
			go func() {
				defer d.inflight.Done()
				if err := d.rec.HandleEvent(evCtx, ev); err != nil {
					d.log.Printf("reconcile event %s: %v", ev.ID, err)
				}
			}()
		}

		// Ack immediately; the homeserver retries whole transactions and
		// reconciliation is idempotent.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	return mux
}

func (d *WebhookDriver) authenticated(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" || d.hsToken == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(d.hsToken))
}

func (d *WebhookDriver) waitInflight(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.log.Printf("gave up waiting for in-flight reconciliation after %s", grace)
	}
}
