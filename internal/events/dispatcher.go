package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"sunkcost/internal/chain"
)

const (
	DefaultBuffer  = 1024
	publishTimeout = 5 * time.Second
)

// Dispatcher decouples the ledger from publishers: Enqueue never blocks, and
// a single Run loop delivers events in commit order.
type Dispatcher struct {
	pub   Publisher
	log   logr.Logger
	queue chan Event

	dropped   atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

func NewDispatcher(pub Publisher, buffer int, log logr.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		pub:   pub,
		log:   log.WithName("dispatcher"),
		queue: make(chan Event, buffer),
	}
}

// Enqueue queues events and reports how many were accepted. Events that do
// not fit are dropped and counted.
func (d *Dispatcher) Enqueue(events ...Event) int {
	accepted := 0
	for _, ev := range events {
		select {
		case d.queue <- ev:
			accepted++
		default:
			d.dropped.Add(1)
			d.log.Info("event queue full, dropping", "type", ev.Type, "height", ev.Height)
		}
	}
	return accepted
}

// OnBlock is a chain finalize hook.
func (d *Dispatcher) OnBlock(block chain.Block) {
	d.Enqueue(FromBlock(block)...)
}

// Run delivers queued events until ctx is done, then flushes what is left
// with a short deadline and closes the publisher.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.flush()
			return d.pub.Close()
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := d.pub.Publish(pubCtx, ev); err != nil {
		d.failed.Add(1)
		d.log.Error(err, "publish event failed", "type", ev.Type, "height", ev.Height)
		return
	}
	d.published.Add(1)
}

func (d *Dispatcher) Pending() int { return len(d.queue) }
func (d *Dispatcher) Capacity() int { return cap(d.queue) }
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }
func (d *Dispatcher) Published() uint64 { return d.published.Load() }
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }
