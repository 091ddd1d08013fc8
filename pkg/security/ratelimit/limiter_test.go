// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestLimiter_LongWindow(t *testing.T) {
	l := New(Config{
		Enabled:            true,
		MaxRequests:        30,
		WindowSeconds:      60,
		BurstLimit:         5,
		BurstWindowSeconds: 5,
	})

	// 30 requests spaced 2s apart stay under the burst limit
	// (at most 3 fall inside any 5s span) and fill the long window.
	for i := 0; i < 30; i++ {
		d := l.Check("user1", base.Add(time.Duration(2*i)*time.Second))
		assert.True(t, d.Allowed, "request %d should be allowed", i)
	}

	// At 59s every one of the 30 events is still inside the window, so
	// the next request is denied with the long-window reason.
	d := l.Check("user1", base.Add(59*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyWindow, d.Reason)

	// Once the oldest events age out, capacity returns.
	d = l.Check("user1", base.Add(61*time.Second))
	assert.True(t, d.Allowed)
}

func TestLimiter_BurstWindow(t *testing.T) {
	l := New(DefaultConfig())

	// 5 rapid requests exhaust the burst window while the long window
	// still has plenty of headroom.
	for i := 0; i < 5; i++ {
		d := l.Check("user1", base.Add(time.Duration(i)*100*time.Millisecond))
		assert.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d := l.Check("user1", base.Add(500*time.Millisecond))
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyBurst, d.Reason, "burst denial fires before the long window is consulted")
	assert.Equal(t, 5, d.BurstCount)
}

func TestLimiter_DeniedRequestsNotRecorded(t *testing.T) {
	l := New(DefaultConfig())

	for i := 0; i < 5; i++ {
		l.Check("user1", base)
	}

	// Hammer the limiter with denied requests; none of them may consume
	// capacity.
	for i := 0; i < 50; i++ {
		d := l.Check("user1", base.Add(time.Duration(i)*10*time.Millisecond))
		assert.False(t, d.Allowed)
	}

	// Just past the burst window the original 5 events age out and the
	// next request is admitted - the denials left no trace.
	d := l.Check("user1", base.Add(5*time.Second+time.Millisecond))
	assert.True(t, d.Allowed)
	assert.Equal(t, 6, d.WindowCount)
}

func TestLimiter_BurstCheckedFirst(t *testing.T) {
	l := New(Config{
		Enabled:            true,
		MaxRequests:        5,
		WindowSeconds:      60,
		BurstLimit:         5,
		BurstWindowSeconds: 5,
	})

	// Both windows fill simultaneously.
	for i := 0; i < 5; i++ {
		l.Check("user1", base)
	}

	d := l.Check("user1", base.Add(time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyBurst, d.Reason)
}

func TestLimiter_PerUser(t *testing.T) {
	l := New(DefaultConfig())

	for i := 0; i < 5; i++ {
		l.Check("user1", base)
	}

	assert.False(t, l.Check("user1", base).Allowed)
	assert.True(t, l.Check("user2", base).Allowed, "users have independent windows")
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(Config{Enabled: false})

	for i := 0; i < 1000; i++ {
		assert.True(t, l.Check("user1", base).Allowed)
	}
}

func TestLimiter_AnonymousShareWindow(t *testing.T) {
	l := New(DefaultConfig())

	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("", base).Allowed)
	}
	assert.False(t, l.Check("", base).Allowed)
}

func TestLimiter_StatsDoesNotMutate(t *testing.T) {
	l := New(DefaultConfig())

	for i := 0; i < 3; i++ {
		l.Check("user1", base.Add(time.Duration(i)*time.Second))
	}

	w, b := l.Stats("user1", base.Add(3*time.Second))
	assert.Equal(t, 3, w)
	assert.Equal(t, 3, b)

	// Stats after the events aged out reports zero without pruning.
	w, b = l.Stats("user1", base.Add(2*time.Minute))
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, b)

	// Unknown users report zero.
	w, b = l.Stats("ghost", base)
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, b)
}

func TestLimiter_Sweep(t *testing.T) {
	l := New(DefaultConfig())

	l.Check("idle", base)
	l.Check("active", base)
	assert.Equal(t, 2, l.Size())

	// "active" checks again much later; "idle" does not.
	l.Check("active", base.Add(10*time.Minute))

	l.Sweep(base.Add(10*time.Minute), DefaultIdleGrace)
	assert.Equal(t, 1, l.Size())

	_, ok := l.users["active"]
	assert.True(t, ok, "recently seen user survives the sweep")

	// A long window wider than the grace keeps its users alive: events
	// still inside the window must never be reset by a sweep.
	wide := New(Config{Enabled: true, MaxRequests: 3, WindowSeconds: 1200})
	wide.Check("slow", base)
	wide.Sweep(base.Add(10*time.Minute), DefaultIdleGrace)
	assert.Equal(t, 1, wide.Size(), "in-window user survives")
}

func TestLimiter_ConcurrentChecks(t *testing.T) {
	l := New(DefaultConfig())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", g%4)
			for i := 0; i < 100; i++ {
				l.Check(user, time.Now())
				l.Stats(user, time.Now())
			}
		}(g)
	}
	wg.Wait()

	// Shared users were hammered concurrently; the limiter must still
	// hold a consistent view.
	assert.LessOrEqual(t, l.Size(), 4)
}
