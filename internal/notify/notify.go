package notify

import (
	"context"
	"log/slog"
	"time"

	"settler/internal/metrics"
	"settler/internal/model"
)

// Event kinds.
const (
	SwapDelivered    = "swap.delivered"
	SwapIgnored      = "swap.ignored"
	DeliveryFailed   = "delivery.failed"
	ReconcileFailed  = "reconcile.failed"
	FeedDisconnected = "feed.disconnected"
	BalanceLow       = "balance.low"
)

// Event is one observable outcome of the pipeline.
type Event struct {
	Kind   string
	Detail string
	Swap   *model.SwapRecord
	Time   time.Time
}

// Sink receives pipeline events.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
	Name() string
}

// Notifier fans an event out to every sink. Failures are logged and never returned.
type Notifier struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.SettlerMetrics
}

func NewNotifier(logger *slog.Logger, m *metrics.SettlerMetrics, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, logger: logger, metrics: m}
}

// Notify delivers ev to all sinks, best effort.
func (n *Notifier) Notify(ctx context.Context, kind, detail string, rec *model.SwapRecord) {
	if n == nil {
		return
	}
	ev := Event{Kind: kind, Detail: detail, Swap: rec, Time: time.Now().UTC()}
	for _, s := range n.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			n.logger.Warn("Notifier: sink failed", "sink", s.Name(), "event", kind, "error", err)
			n.metrics.ObserveNotificationError(s.Name())
		}
	}
}

// LogSink writes events to the logger. Used when no remote sink is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Notify(_ context.Context, ev Event) error {
	attrs := []any{"event", ev.Kind, "detail", ev.Detail}
	if ev.Swap != nil {
		attrs = append(attrs, "txHash", ev.Swap.TxHash, "status", ev.Swap.Status.String())
	}
	s.Logger.Info("Notification", attrs...)
	return nil
}
