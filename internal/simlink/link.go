// Package simlink joins simulated hosts with a point to point Ethernet link.
package simlink

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/soypat/rawtcp"
	"gopkg.in/tomb.v1"
)

const backoffMax = 5 * time.Millisecond

// Config configures a [Link].
type Config struct {
	// Drop discards the frames it returns true for. It is called from the
	// link goroutine.
	Drop   func(frame []byte) bool
	Logger *slog.Logger
}

// Link delivers the frames each host transmits to the other host's
// [rawtcp.Host.Input] until closed.
type Link struct {
	a, b   *rawtcp.Host
	drop   func([]byte) bool
	logger *slog.Logger
	death  tomb.Tomb

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New starts a link between a and b.
func New(a, b *rawtcp.Host, cfg Config) *Link {
	l := &Link{
		a:      a,
		b:      b,
		drop:   cfg.Drop,
		logger: cfg.Logger,
	}
	go l.run()
	return l
}

// Close stops the link and waits for its goroutine to exit. Frames still
// queued stay with the transmitting host.
func (l *Link) Close() error {
	l.death.Kill(nil)
	return l.death.Wait()
}

// Stats returns the number of frames delivered and dropped so far.
func (l *Link) Stats() (delivered, dropped int64) {
	return l.delivered.Load(), l.dropped.Load()
}

func (l *Link) run() {
	defer l.death.Done()
	stalled := 0
	for {
		n := l.shuttle(l.a, l.b) + l.shuttle(l.b, l.a)
		if n > 0 {
			stalled = 0
			continue
		}
		stalled++
		sleep := time.Microsecond << stalled
		if sleep > backoffMax || sleep <= 0 {
			sleep = backoffMax
			stalled--
		}
		select {
		case <-l.death.Dying():
			return
		case <-time.After(sleep):
		}
	}
}

// shuttle moves every frame queued for transmission on from to to.
func (l *Link) shuttle(from, to *rawtcp.Host) (n int) {
	q := from.Outbound()
	for pkt := q.Dequeue(); pkt != nil; pkt = q.Dequeue() {
		n++
		if l.drop != nil && l.drop(pkt.Data) {
			l.dropped.Add(1)
			if l.logger != nil {
				l.logger.Debug("link:drop", slog.Int("plen", len(pkt.Data)))
			}
			pkt.Release()
			continue
		}
		l.delivered.Add(1)
		to.Input(pkt)
	}
	return n
}
