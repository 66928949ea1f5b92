package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	short := c.After(time.Second)
	long := c.After(time.Minute)
	assert.Equal(t, 2, c.Pending())

	c.Advance(2 * time.Second)

	select {
	case got := <-short:
		assert.Equal(t, start.Add(2*time.Second), got)
	default:
		t.Fatal("expected the 1s waiter to fire")
	}
	select {
	case <-long:
		t.Fatal("the 1m waiter fired early")
	default:
	}
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, start.Add(2*time.Second), c.Now())
}

func TestFakeClockNonPositiveAfterFiresImmediately(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
	assert.Zero(t, c.Pending())
}
