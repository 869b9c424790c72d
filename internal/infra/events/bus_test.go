package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func recordTypes(bus *Bus, types ...string) *[]string {
	seen := &[]string{}
	bus.Register(NewHandlerFunc(types, func(ctx context.Context, e Event) error {
		*seen = append(*seen, e.EventType())
		return nil
	}))
	return seen
}

func TestBus_PublishDispatchesImmediately(t *testing.T) {
	bus := NewBus(nil)
	seen := recordTypes(bus, LoanStateChangedType)

	loanID := uuid.New()
	require.NoError(t, bus.Publish(context.Background(), NewLoanStateChangedEvent(loanID, model.LoanStateAccepted, model.LoanStateFunding)))

	assert.Equal(t, []string{LoanStateChangedType}, *seen)
}

func TestBus_DeferHoldsEventsUntilFlush(t *testing.T) {
	var publisher outbound.EventPublisherPort = NewBus(nil)
	bus := publisher.(*Bus)
	seen := recordTypes(bus, LoanStateChangedType, LoanStateSteppedType)

	loanID := uuid.New()
	deferred, flush := publisher.Defer(context.Background())
	require.NoError(t, publisher.Publish(deferred, NewLoanStateChangedEvent(loanID, model.LoanStateFunding, model.LoanStateFunded)))
	require.NoError(t, publisher.Publish(deferred, NewLoanStateSteppedEvent(loanID, model.LoanStateFunded)))
	assert.Empty(t, *seen, "nothing dispatches before flush")

	flush()
	assert.Equal(t, []string{LoanStateChangedType, LoanStateSteppedType}, *seen)

	flush()
	assert.Len(t, *seen, 2, "a second flush dispatches nothing")
}

func TestBus_HandlerErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	bus := NewBus(zap.New(core))
	bus.Register(NewHandlerFunc([]string{LoanStateSteppedType}, func(ctx context.Context, e Event) error {
		return errors.New("handler down")
	}))

	err := bus.Publish(context.Background(), NewLoanStateSteppedEvent(uuid.New(), model.LoanStateRepaying))

	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("event handler failed").Len())
}

func TestBus_RejectsForeignEvents(t *testing.T) {
	bus := NewBus(nil)
	assert.Error(t, bus.Publish(context.Background(), "not an event"))
}
