package notify

import (
	"context"
	"errors"

	logging "github.com/op/go-logging"

	"kasirinaja/ledger/internal/domain"
)

var log = logging.MustGetLogger("notify")

// Sink receives ledger events. Delivery is best effort; callers log and
// continue on error.
type Sink interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// Feed lists recent events, newest first.
type Feed interface {
	Recent(ctx context.Context, n int64) ([]domain.Notification, error)
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ domain.Notification) error {
	return nil
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, n domain.Notification) error {
	log.Infof("%s: %s (%s) %v", n.Type, n.Title, n.Message, n.Data)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
