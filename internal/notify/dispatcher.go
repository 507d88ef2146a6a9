// Package notify delivers deal notifications to the chat collaborator and to
// live WebSocket subscribers.
//
// The engine hands notifications to a Dispatcher after a transition commits.
// Delivery happens on worker goroutines; a full queue or a failing sink is
// logged and counted but never reported back to the engine. Each deal is
// pinned to one worker so its notifications arrive in the order they were
// raised.
package notify

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/channelescrow/internal/deals"
	"github.com/mbd888/channelescrow/internal/metrics"
)

// Sink is one delivery target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n deals.Notification) error
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, Workers: 4, DeliveryTimeout: 15 * time.Second}
}

// Dispatcher fans notifications out to sinks. Every worker owns a bounded
// queue; QueueSize is split evenly between them.
type Dispatcher struct {
	queues []chan deals.Notification
	sinks  []Sink
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Nothing is delivered until Run is called.
func NewDispatcher(cfg Config, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	per := (cfg.QueueSize + cfg.Workers - 1) / cfg.Workers
	queues := make([]chan deals.Notification, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan deals.Notification, per)
	}
	return &Dispatcher{
		queues: queues,
		sinks:  sinks,
		cfg:    cfg,
		logger: logger,
	}
}

// queueFor picks the worker queue that owns dealID.
func (d *Dispatcher) queueFor(dealID string) chan deals.Notification {
	h := fnv.New32a()
	h.Write([]byte(dealID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

// Notify enqueues n without blocking. The caller's context is not carried
// over: the request that triggered the notification is usually gone by the
// time a worker picks it up.
func (d *Dispatcher) Notify(_ context.Context, n deals.Notification) {
	q := d.queueFor(n.DealID)
	select {
	case q <- n:
		metrics.NotificationQueueDepth.Set(float64(d.QueueDepth()))
	default:
		metrics.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping",
			"event", n.Event, "deal_id", n.DealID, "capacity", cap(q))
	}
}

// QueueDepth reports how many notifications are waiting across all workers.
func (d *Dispatcher) QueueDepth() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Capacity is the combined size of the worker queues.
func (d *Dispatcher) Capacity() int {
	n := 0
	for _, q := range d.queues {
		n += cap(q)
	}
	return n
}

// Run starts the workers and blocks until ctx is cancelled. Notifications
// still queued at that point are delivered before Run returns, each bounded
// by the delivery timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("notification dispatcher started",
		"workers", len(d.queues), "queue", d.Capacity(), "sinks", len(d.sinks))

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range d.queues {
		g.Go(func() error {
			d.work(gctx, q)
			// Leftovers go out from the owning worker, still in order.
			d.drain(q)
			return nil
		})
	}
	err := g.Wait()

	metrics.NotificationQueueDepth.Set(0)
	d.logger.Info("notification dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, q chan deals.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q:
			metrics.NotificationQueueDepth.Set(float64(d.QueueDepth()))
			d.deliver(n)
		}
	}
}

func (d *Dispatcher) drain(q chan deals.Notification) {
	for {
		select {
		case n := <-q:
			d.deliver(n)
		default:
			return
		}
	}
}

// deliver hands n to every sink. Sinks are independent: one failing does not
// stop the others.
func (d *Dispatcher) deliver(n deals.Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
		err := s.Deliver(ctx, n)
		cancel()
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "failed").Inc()
			d.logger.Warn("notification delivery failed",
				"sink", s.Name(), "event", n.Event, "deal_id", n.DealID, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "delivered").Inc()
	}
}

var _ deals.Notifier = (*Dispatcher)(nil)
