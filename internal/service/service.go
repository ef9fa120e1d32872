package service

import (
	"context"
	"strings"
	"time"

	logging "github.com/op/go-logging"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/notify"
	"kasirinaja/ledger/internal/store"
)

var log = logging.MustGetLogger("service")

const instrumentationName = "kasirinaja/ledger/service"

// Options are the ledger policies taken from configuration.
type Options struct {
	Station            string
	Location           *time.Location
	TaxEnabled         bool
	TaxRate            decimal.Decimal
	AllowNegativeStock bool
	RequireOpenShift   bool
	Clock              func() time.Time
}

type Service struct {
	repo     store.Repository
	notifier notify.Sink
	opts     Options
	tracer   trace.Tracer
	metrics  instruments
}

type instruments struct {
	payments           metric.Int64Counter
	adjustmentFailures metric.Int64Counter
	reconciled         metric.Int64Counter
}

func New(repo store.Repository, notifier notify.Sink, opts Options) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if opts.Station == "" {
		opts.Station = "main"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		repo:     repo,
		notifier: notifier,
		opts:     opts,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  newInstruments(otel.Meter(instrumentationName)),
	}
}

func newInstruments(meter metric.Meter) instruments {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	counter := func(name string, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warningf("metric %s unavailable: %v", name, err)
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return instruments{
		payments:           counter("ledger.payments", "Transactions moved to paid"),
		adjustmentFailures: counter("ledger.adjustment_failures", "Paid transactions left pending adjustment"),
		reconciled:         counter("ledger.reconciled", "Pending transactions settled by the retry pass"),
	}
}

// Station is the default cashier station for calls that do not name one.
func (s *Service) Station() string {
	return s.opts.Station
}

func (s *Service) now() time.Time {
	return s.opts.Clock().UTC()
}

func (s *Service) stationOr(station string) string {
	if strings.TrimSpace(station) == "" {
		return s.opts.Station
	}
	return strings.TrimSpace(station)
}

func (s *Service) publish(ctx context.Context, n domain.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if err := s.notifier.Publish(ctx, n); err != nil {
		log.Warningf("failed to publish %s notification: %v", n.Type, err)
	}
}

func requireActor(actor domain.Actor) error {
	if strings.TrimSpace(actor.Username) == "" {
		return store.Validation("acting user is required")
	}
	return nil
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
