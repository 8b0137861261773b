package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunAtOnce(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan time.Time, 1)
	loop.RunAt(time.Now().Add(20*time.Millisecond), 0, func() {
		fired <- time.Now()
	})

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestRunAtPast(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{}, 1)
	loop.RunAt(time.Now().Add(-time.Second), 0, func() {
		fired <- struct{}{}
	})

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("expired timer did not fire")
	}
}

func TestRunAtInterval(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{}, 16)
	id := loop.RunAt(time.Now(), 10*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("interval timer stopped firing")
		}
	}

	assert.True(t, loop.CancelTimer(id))
	assert.False(t, loop.CancelTimer(id))
}

func TestCancelBeforeFire(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{}, 1)
	id := loop.RunAt(time.Now().Add(50*time.Millisecond), 0, func() {
		fired <- struct{}{}
	})
	assert.True(t, loop.CancelTimer(id))

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}
