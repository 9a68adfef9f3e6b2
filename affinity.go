package colorloop

import (
	"math"
	"strconv"
)

// Affinity selects where a callback runs.
//
// A Shared affinity is a color: all callbacks with the same color are
// serialized, and the color may be stolen between workers. A Pinned affinity
// forces the callback onto one specific worker, e.g. for per-worker control
// tasks. The zero value is Shared(0).
type Affinity struct {
	id     int32
	pinned bool
}

// Shared returns the affinity for the given color.
func Shared(color int) Affinity {
	return Affinity{id: narrowID(color)}
}

// Pinned returns the affinity that always runs on the given worker.
func Pinned(worker int) Affinity {
	return Affinity{id: narrowID(worker), pinned: true}
}

// narrowID maps ids that do not fit in an int32 to -1, which every runtime
// rejects as out of range.
func narrowID(id int) int32 {
	if id < math.MinInt32 || id > math.MaxInt32 {
		return -1
	}
	return int32(id)
}

// AffinityFromColor decodes the signed color encoding, where a negative
// color c denotes the worker -c-1.
func AffinityFromColor(color int32) Affinity {
	if color < 0 {
		return Affinity{id: -color - 1, pinned: true}
	}
	return Affinity{id: color}
}

// Color returns the signed color encoding of the affinity.
func (a Affinity) Color() int32 {
	if a.pinned {
		return -a.id - 1
	}
	return a.id
}

// IsPinned reports whether the affinity names a worker rather than a color.
func (a Affinity) IsPinned() bool { return a.pinned }

// ID returns the color, or the worker index for pinned affinities.
func (a Affinity) ID() int { return int(a.id) }

func (a Affinity) String() string {
	if a.pinned {
		return "pinned(" + strconv.Itoa(int(a.id)) + ")"
	}
	return "shared(" + strconv.Itoa(int(a.id)) + ")"
}
