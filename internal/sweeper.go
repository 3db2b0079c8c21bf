package internal

import (
	"context"
	"log"
	"time"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultRoomTimeout   = 15 * time.Second
)

// Sweeper is the only source of timeout-based room closure. Host-initiated
// close and host disconnect bypass it entirely.
type Sweeper struct {
	srv      *Server
	interval time.Duration
	timeout  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(srv *Server, interval, timeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if timeout <= 0 {
		timeout = defaultRoomTimeout
	}
	return &Sweeper{srv: srv, interval: interval, timeout: timeout}
}

// Start runs the sweep loop in the background until the context ends or
// Stop is called.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})
	go sw.run(ctx)
}

func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.done)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("sweep: %v", err)
			}
		}
	}
}

// Sweep performs one pass: close every active room whose heartbeat lapsed,
// then notify and drop the sockets still bound to those rooms. Exported so
// tests can drive passes directly.
func (sw *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	codes, err := sw.srv.store.SweepStale(ctx, sw.timeout)
	if err != nil {
		return nil, err
	}
	for _, code := range codes {
		sw.srv.metrics.IncRoomClosed()
		sw.srv.evictRoom(code, "room timed out")
		log.Printf("room %s swept after missed heartbeats", code)
	}
	sw.srv.metrics.AddRoomsSwept(len(codes))
	return codes, nil
}
