package colorloop

import (
	"io"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewJSONLogger returns a logger suitable for [WithLogger], writing one JSON
// object per line to w, enabled at or above level. Writes to w are not
// synchronized by the logger.
func NewJSONLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// warning categories, each rate limited independently
type warnCategory int

const (
	warnStaleEvent warnCategory = iota
	warnMovingRetry
	warnPinFailed
	warnRearmFailed
)

func (c warnCategory) String() string {
	switch c {
	case warnStaleEvent:
		return "stale_event"
	case warnMovingRetry:
		return "moving_retry"
	case warnPinFailed:
		return "pin_failed"
	case warnRearmFailed:
		return "rearm_failed"
	default:
		return "unknown"
	}
}

// warnLimiter rate limits noisy warnings, which may otherwise be emitted on
// every loop iteration.
type warnLimiter struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newWarnLimiter(logger *logiface.Logger[logiface.Event]) *warnLimiter {
	return &warnLimiter{
		logger: logger,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
}

// warning returns a warning builder, or nil if the category is currently
// limited. The returned builder is nil-safe.
func (x *warnLimiter) warning(category warnCategory) *logiface.Builder[logiface.Event] {
	b := x.logger.Warning()
	if !b.Enabled() {
		return b
	}
	if _, ok := x.limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b.Str(`category`, category.String())
}
