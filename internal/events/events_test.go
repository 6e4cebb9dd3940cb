package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type failingSink struct{ calls int }

func (f *failingSink) Send(context.Context, Event) error {
	f.calls++
	return errors.New("boom")
}
func (f *failingSink) Close() error { return nil }

func TestBusFanout(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	bus := NewBus(a)
	bus.Attach(b)

	bus.Emit(context.Background(), Event{Type: TypeDeploymentStarted, DeploymentID: "web"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, TypeDeploymentStarted, a.events[0].Type)
	assert.False(t, a.events[0].OccurredAt.IsZero(), "OccurredAt stamped")
}

func TestBusFailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &failingSink{}
	good := &captureSink{}
	bus := NewBus(bad, good)

	bus.Emit(context.Background(), Event{Type: TypeDeploymentStopped, DeploymentID: "web"})

	assert.Equal(t, 1, bad.calls)
	assert.Len(t, good.events, 1)
}

func TestBusClose(t *testing.T) {
	a := &captureSink{}
	bus := NewBus(a)
	require.NoError(t, bus.Close())
	assert.True(t, a.closed)

	// Emitting after close reaches no sinks.
	bus.Emit(context.Background(), Event{Type: TypeDeploymentStarted})
	assert.Len(t, a.events, 0)
}
