package service

import (
	"context"
	"fmt"
	"time"
)

const (
	PrefixTransaction = "TRX"
	PrefixInvoice     = "INV"

	// MaxDailySequence is the largest counter that fits the 4-digit suffix.
	MaxDailySequence = 9999
)

// NextNumber issues PREFIX-YYYYMMDD-NNNN for the business day of at. The
// counter lives in the store, so concurrent callers never share a value.
func (s *Service) NextNumber(ctx context.Context, prefix string, at time.Time) (string, error) {
	day := at.In(s.opts.Location).Format("20060102")
	n, err := s.repo.NextSequence(ctx, prefix, day, MaxDailySequence)
	if err != nil {
		return "", fmt.Errorf("next %s number for %s: %w", prefix, day, err)
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, day, n), nil
}
