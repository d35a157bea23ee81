package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestBusTypedDelivery(t *testing.T) {
	bus := NewBus()
	released := bus.Subscribe(EscrowReleased)
	disputes := bus.Subscribe(EscrowDispute)

	bus.Emit(EscrowReleased, "torc-core", "inv-1", map[string]interface{}{"amount": "1000"})

	ev := recv(t, released)
	assert.Equal(t, EscrowReleased, ev.Type)
	assert.Equal(t, "inv-1", ev.Subject)
	assert.Equal(t, "1000", ev.Data["amount"])

	select {
	case ev := <-disputes:
		t.Fatalf("dispute subscriber got %s", ev.Type)
	default:
	}
}

func TestBusAllSubscriber(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()

	bus.Emit(EscrowReleased, "torc-core", "inv-1", nil)
	bus.Emit(EscrowDispute, "torc-core", "inv-2", nil)

	assert.Equal(t, EscrowReleased, recv(t, all).Type)
	assert.Equal(t, EscrowDispute, recv(t, all).Type)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EscrowReleased)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Emit(EscrowReleased, "torc-core", "inv-1", nil)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(EscrowReleased)

	bus.Emit(EscrowReleased, "torc-core", "inv-1", nil)
	bus.Emit(EscrowReleased, "torc-core", "inv-2", nil) // dropped, not blocked

	ev := recv(t, ch)
	assert.Equal(t, "inv-1", ev.Subject)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second delivery: %s", ev.Subject)
	default:
	}
}

func TestEventJSON(t *testing.T) {
	ev := NewEvent(EscrowReleased, "torc-core", "inv-1", map[string]interface{}{"fee": "5"})
	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"escrow:released"`)
	assert.Contains(t, string(raw), `"subject":"inv-1"`)
}
