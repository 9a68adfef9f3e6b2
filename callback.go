package colorloop

// Callback is a unit of work, along with the scheduling metadata used to
// place it. Callbacks are compared by pointer identity, which matters for
// [Runtime.WatchFD].
//
// A Callback must not be modified once it has been submitted.
type Callback struct {
	fn       func()
	affinity Affinity
	priority int32
	cost     uint64
}

// NewCallback returns a callback that runs fn with the given affinity, at
// priority 0.
func NewCallback(affinity Affinity, fn func()) *Callback {
	return &Callback{fn: fn, affinity: affinity}
}

// WithPriority sets the priority, higher values being scheduled first, and
// returns the receiver.
func (c *Callback) WithPriority(priority int32) *Callback {
	c.priority = priority
	return c
}

// WithCost sets the estimated cost (arbitrary units, typically nanoseconds),
// used by cost based steal thresholds, and returns the receiver.
func (c *Callback) WithCost(cost uint64) *Callback {
	c.cost = cost
	return c
}

func (c *Callback) Affinity() Affinity { return c.affinity }

func (c *Callback) Priority() int32 { return c.priority }

func (c *Callback) Cost() uint64 { return c.cost }
