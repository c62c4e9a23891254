package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock(t *testing.T) {
	start := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

	t.Run("advance moves now and releases waiters", func(t *testing.T) {
		clk := NewMockClock(start)
		ch := clk.After(time.Minute)

		clk.Advance(30 * time.Second)
		select {
		case <-ch:
			t.Fatal("waiter released early")
		default:
		}

		clk.Advance(30 * time.Second)
		select {
		case now := <-ch:
			assert.Equal(t, start.Add(time.Minute), now)
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
	})

	t.Run("since uses the mock time", func(t *testing.T) {
		clk := NewMockClock(start)
		clk.Advance(90 * time.Second)
		assert.Equal(t, 90*time.Second, clk.Since(start))
	})

	t.Run("set backwards does not release waiters", func(t *testing.T) {
		clk := NewMockClock(start)
		ch := clk.After(time.Minute)

		clk.Set(start.Add(-time.Hour))
		select {
		case <-ch:
			t.Fatal("waiter released on backwards set")
		default:
		}
		assert.Equal(t, start.Add(-time.Hour), clk.Now())
	})
}
