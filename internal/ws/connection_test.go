package ws

import (
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Activity timestamps are safe under concurrent touch and read
// ---------------------------------------------------------------------------

func TestConnection_TouchConcurrent(t *testing.T) {
	c := &Connection{ID: "c1", lastPing: time.Now()}

	// Read workers and the dispatcher touch the connection while the
	// heartbeat loop reads it. Run under -race to verify the accessors
	// actually synchronize.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Touch()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.LastActive()
			}
		}()
	}
	wg.Wait()
}

func TestConnection_TouchAdvancesLastActive(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	c := &Connection{ID: "c1", lastPing: start}

	if got := c.LastActive(); !got.Equal(start) {
		t.Fatalf("LastActive = %v, want initial %v", got, start)
	}

	c.Touch()
	if got := c.LastActive(); !got.After(start) {
		t.Errorf("LastActive = %v, want later than %v after Touch", got, start)
	}
}
