package colorloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerSet_deadlineOrderWithTies(t *testing.T) {
	s := newTimerSet()
	base := time.Unix(1000, 0)
	var names []string
	mk := func(name string, at time.Time) *Timer {
		return &Timer{when: at, cb: NewCallback(Shared(0), func() { names = append(names, name) }), set: s, index: -1}
	}

	assert.True(t, s.add(mk("b1", base.Add(2*time.Second))))
	assert.False(t, s.add(mk("b2", base.Add(2*time.Second))))
	assert.True(t, s.add(mk("a", base.Add(time.Second))))
	assert.False(t, s.add(mk("c", base.Add(3*time.Second))))
	assert.False(t, s.add(mk("b3", base.Add(2*time.Second))))

	next, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), next)

	expired := s.expire(base.Add(2*time.Second), nil)
	require.Len(t, expired, 4)
	pending, active := s.len()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 4, active)

	for _, timer := range expired {
		s.fire(timer)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "b3"}, names)

	pending, active = s.len()
	assert.Equal(t, 1, pending)
	assert.Zero(t, active)
}

func TestTimerSet_cancel(t *testing.T) {
	s := newTimerSet()
	base := time.Unix(1000, 0)
	var ran []string
	mk := func(name string) *Timer {
		return &Timer{when: base, cb: NewCallback(Shared(0), func() { ran = append(ran, name) }), set: s, index: -1}
	}

	t.Run(`pending`, func(t *testing.T) {
		timer := mk("pending")
		s.add(timer)
		assert.True(t, s.cancel(timer))
		assert.False(t, s.cancel(timer))
		assert.Empty(t, s.expire(base, nil))
		_, ok := s.next()
		assert.False(t, ok)
	})

	t.Run(`active`, func(t *testing.T) {
		timer := mk("active")
		s.add(timer)
		expired := s.expire(base, nil)
		require.Equal(t, []*Timer{timer}, expired)
		assert.False(t, s.cancel(timer))
		s.fire(timer)
		_, active := s.len()
		assert.Zero(t, active)
	})

	t.Run(`fired`, func(t *testing.T) {
		timer := mk("fired")
		s.add(timer)
		s.fire(s.expire(base, nil)[0])
		assert.False(t, s.cancel(timer))
	})

	assert.Equal(t, []string{"fired"}, ran)
}

func TestTimeoutUntil(t *testing.T) {
	now := time.Unix(1000, 0)
	for _, tc := range [...]struct {
		name string
		d    time.Duration
		want int
	}{
		{`past`, -time.Second, 0},
		{`now`, 0, 0},
		{`sub millisecond`, time.Microsecond, 1},
		{`exact`, 5 * time.Millisecond, 5},
		{`rounds up`, 5*time.Millisecond + 1, 6},
		{`huge`, 24 * 1000 * time.Hour, 1<<31 - 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, timeoutUntil(now.Add(tc.d), now))
		})
	}
}

func TestScheduleAt_homeWorker(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(3))
	cb := NewCallback(Pinned(2), func() {})
	timer := rt.ScheduleAfter(time.Hour, cb)
	require.NotNil(t, timer)
	assert.Same(t, rt.workers[2].timers, timer.set)

	timer = rt.ScheduleAfter(time.Hour, NewCallback(Shared(4), func() {}))
	assert.Same(t, rt.workers[1].timers, timer.set)
	assert.True(t, rt.CancelTimer(timer))
	assert.False(t, rt.CancelTimer(nil))

	requireFatal(t, ErrNilCallback, func() { rt.ScheduleAfter(time.Second, nil) })
	requireFatal(t, ErrInvalidPinnedWorker, func() { rt.ScheduleAfter(time.Second, NewCallback(Pinned(3), func() {})) })

	require.NoError(t, rt.Shutdown(t.Context()))
	assert.Nil(t, rt.ScheduleAfter(time.Second, NewCallback(Shared(0), func() {})))
}

func TestScheduleAt_firesInOrder(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(1))
	var (
		mu    sync.Mutex
		order []string
	)
	done := make(chan struct{})
	add := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			if len(order) == 4 {
				close(done)
			}
		}
	}
	deadline := time.Now().Add(30 * time.Millisecond)
	rt.ScheduleAt(deadline, NewCallback(Shared(1), add("b1")))
	rt.ScheduleAt(deadline, NewCallback(Shared(1), add("b2")))
	rt.ScheduleAt(deadline.Add(-10*time.Millisecond), NewCallback(Shared(1), add("a")))
	rt.ScheduleAt(deadline.Add(10*time.Millisecond), NewCallback(Shared(1), add("c")))
	cancelled := rt.ScheduleAt(deadline, NewCallback(Shared(1), add("cancelled")))
	require.True(t, rt.CancelTimer(cancelled))

	startRuntime(t, rt)
	waitFor(t, done, "timers")
	assert.False(t, time.Now().Before(deadline.Add(10*time.Millisecond)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, order)
}

// A worker parked without a deadline must be woken when a timer is
// scheduled, and then park no longer than the timer's deadline.
func TestScheduleAt_wakesParkedWorker(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(1))

	var (
		mu       sync.Mutex
		timeouts []int
	)
	parkedForever := make(chan struct{}, 1)
	rt.testHooks = &runtimeTestHooks{onPark: func(_ int, timeoutMs int) {
		mu.Lock()
		timeouts = append(timeouts, timeoutMs)
		mu.Unlock()
		if timeoutMs < 0 {
			select {
			case parkedForever <- struct{}{}:
			default:
			}
		}
	}}

	startRuntime(t, rt)
	waitFor(t, parkedForever, "park")

	mu.Lock()
	from := len(timeouts)
	mu.Unlock()

	const delay = 150 * time.Millisecond
	var before []int
	fired := make(chan struct{})
	start := time.Now()
	rt.ScheduleAfter(delay, NewCallback(Shared(0), func() {
		mu.Lock()
		before = append(before, timeouts[from:]...)
		mu.Unlock()
		close(fired)
	}))
	waitFor(t, fired, "timer")

	assert.GreaterOrEqual(t, time.Since(start), delay)
	require.NotEmpty(t, before)
	for _, timeout := range before {
		assert.GreaterOrEqual(t, timeout, 0)
		assert.LessOrEqual(t, timeout, int(delay/time.Millisecond))
	}
}
