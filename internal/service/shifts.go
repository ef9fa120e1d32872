package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

// OpenShift starts a cashier shift for the station. A station has at most
// one open shift.
func (s *Service) OpenShift(ctx context.Context, actor domain.Actor, station string, openingBalance int64) (*domain.CashierShift, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if openingBalance < 0 {
		return nil, store.Validation("opening balance must not be negative")
	}

	shift, err := s.repo.CreateShift(ctx, domain.CashierShift{
		ID:             xid.New(),
		Station:        s.stationOr(station),
		OpenedBy:       actor.Username,
		OpeningBalance: openingBalance,
		Status:         domain.ShiftStatusOpen,
		OpenedAt:       s.now(),
	})
	if err != nil {
		return nil, err
	}
	log.Infof("shift %s opened on %s by %s with %d", shift.ID, shift.Station, actor.Username, openingBalance)
	return shift, nil
}

// RecordSettlement adds one settlement to the shift totals. A reference that
// was already counted leaves the totals unchanged.
func (s *Service) RecordSettlement(ctx context.Context, shiftID string, settlement domain.Settlement) (*domain.CashierShift, error) {
	ctx, span := s.tracer.Start(ctx, "shift.settle", trace.WithAttributes(
		attribute.String("shift.id", shiftID),
		attribute.String("settlement.reference", settlement.Reference),
	))
	defer span.End()

	shift, applied, err := s.repo.RecordSettlement(ctx, shiftID, settlement)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !applied {
		log.Debugf("settlement %s already counted on shift %s", settlement.Reference, shiftID)
	}
	return shift, nil
}

// RecordChannelSettlement settles a single amount on one channel.
func (s *Service) RecordChannelSettlement(ctx context.Context, shiftID string, reference string, amount int64, channel string) (*domain.CashierShift, error) {
	if amount < 0 {
		return nil, store.Validation("settlement amount must not be negative")
	}
	settlement := domain.Settlement{Reference: reference}
	if strings.EqualFold(strings.TrimSpace(channel), domain.PaymentCash) {
		settlement.Cash = amount
	} else {
		settlement.NonCash = amount
	}
	return s.RecordSettlement(ctx, shiftID, settlement)
}

// CloseShift closes an open shift. The expected drawer is the opening
// balance plus cash takings; variance is the counted cash minus that.
// Pending settlements on the shift are retried first; if any still fails the
// close is refused with ErrSettlementPending.
func (s *Service) CloseShift(ctx context.Context, actor domain.Actor, shiftID string, actualCash int64, notes string) (*domain.CashierShift, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if actualCash < 0 {
		return nil, store.Validation("actual cash must not be negative")
	}
	if err := s.settleShiftBacklog(ctx, shiftID); err != nil {
		return nil, err
	}

	shift, err := s.repo.CloseShift(ctx, domain.CloseShift{
		ShiftID:    shiftID,
		ClosedBy:   actor.Username,
		ActualCash: actualCash,
		Notes:      strings.TrimSpace(notes),
		ClosedAt:   s.now(),
	})
	if err != nil {
		return nil, err
	}
	if shift.Variance != nil && *shift.Variance != 0 {
		log.Warningf("shift %s closed with variance %d", shift.ID, *shift.Variance)
	}
	return shift, nil
}

func (s *Service) settleShiftBacklog(ctx context.Context, shiftID string) error {
	pending, err := s.repo.ListPendingAdjustments(ctx, 0)
	if err != nil {
		return err
	}
	for i := range pending {
		if pending[i].ShiftID != shiftID {
			continue
		}
		if err := s.settle(ctx, &pending[i]); err != nil {
			log.Warningf("shift %s: transaction %s still unsettled: %v", shiftID, pending[i].Number, err)
		}
	}
	return nil
}

func (s *Service) ActiveShift(ctx context.Context, station string) (*domain.CashierShift, error) {
	return s.repo.GetOpenShift(ctx, s.stationOr(station))
}

func (s *Service) GetShift(ctx context.Context, id string) (*domain.CashierShift, error) {
	return s.repo.GetShift(ctx, id)
}
