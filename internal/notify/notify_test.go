package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"kasirinaja/ledger/internal/domain"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Publish(ctx context.Context, n domain.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func TestMultiPublishesToEverySink(t *testing.T) {
	ctx := context.Background()
	event := domain.Notification{Type: domain.NotifyLowStock, Title: "Stok menipis"}

	first := new(mockSink)
	second := new(mockSink)
	first.On("Publish", ctx, event).Return(errors.New("redis down"))
	second.On("Publish", ctx, event).Return(nil)

	err := Multi{first, second, Noop{}, LogSink{}}.Publish(ctx, event)

	assert.ErrorContains(t, err, "redis down")
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestMultiWithoutErrorsReturnsNil(t *testing.T) {
	assert.NoError(t, Multi{Noop{}}.Publish(context.Background(), domain.Notification{}))
}

func TestRingKeepsNewestFirst(t *testing.T) {
	ctx := context.Background()
	ring := NewRing(3)
	var _ Feed = ring
	var _ Feed = (*RedisSink)(nil)

	empty, err := ring.Recent(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, empty)

	for _, title := range []string{"a", "b", "c", "d"} {
		assert.NoError(t, ring.Publish(ctx, domain.Notification{Title: title}))
	}

	got, err := ring.Recent(ctx, 10)
	assert.NoError(t, err)
	titles := make([]string, 0, len(got))
	for _, n := range got {
		titles = append(titles, n.Title)
	}
	assert.Equal(t, []string{"d", "c", "b"}, titles)

	latest, err := ring.Recent(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "d", latest[0].Title)
}
