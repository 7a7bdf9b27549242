package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shv-client/handshake"
)

func TestHubFanOut(t *testing.T) {
	h := newHub()
	a, stopA := h.subscribe(4)
	b, stopB := h.subscribe(1)
	defer stopA()

	ev := Event{Kind: EventNotification, Text: "x", Time: time.Now()}
	assert.Equal(t, 0, h.publish(ev))
	assert.Equal(t, 1, h.publish(ev), "b is full")
	assert.Len(t, a, 2)
	assert.Len(t, b, 1)

	stopB()
	stopB()
	_, ok := <-b
	assert.True(t, ok, "buffered event survives unsubscribe")
	_, ok = <-b
	assert.False(t, ok)

	h.close()
	h.close()
	late, _ := h.subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, 0, h.publish(ev))
}

func TestEventStrings(t *testing.T) {
	assert.Equal(t, "login-failed", EventLoginFailed.String())
	assert.Equal(t, "EventKind(99)", EventKind(99).String())

	ev := Event{
		Kind:  EventLoginFailed,
		State: handshake.State{Phase: handshake.LoginFailed, Reason: "invalid credentials"},
		Text:  "invalid credentials",
		Time:  time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC),
	}
	assert.Equal(t, "03:04:05.006 [login-failed] invalid credentials", ev.String())
}

func TestRegisterMetricsTwice(t *testing.T) {
	require.NotPanics(t, RegisterMetrics)
	require.NotPanics(t, RegisterMetrics)
}
