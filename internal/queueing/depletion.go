package queueing

import (
	"time"

	"go.uber.org/zap"

	"github.com/ztaylor54/kopf/internal/primitives"
)

// deplete ends every stream and waits, at most ExitTimeout, until either the
// registry is empty or no worker is live. Streams still registered after that
// are reported; their workers are terminated by the pool close that follows.
func (d *Dispatcher) deplete(streams *registry, pool *Pool, changes *primitives.Signal) {
	if n := streams.endAll(); n > 0 {
		d.logger.Debug("Ending live streams", zap.Int("streams", n))
	}

	timeout := d.settings.ExitTimeout.Duration
	timer := time.NewTimer(timeout)
	defer timer.Stop()

wait:
	for {
		ch := changes.C()
		if streams.len() == 0 || pool.Live() == 0 {
			break
		}
		select {
		case <-ch:
		case <-timer.C:
			break wait
		}
	}

	leftovers := streams.keys()
	if len(leftovers) == 0 {
		return
	}
	uids := make([]string, 0, len(leftovers))
	for _, key := range leftovers {
		uids = append(uids, key.UID)
	}
	d.logger.Warn("Unprocessed streams left",
		zap.Int("count", len(leftovers)),
		zap.Strings("uids", uids),
		zap.Duration("exit_timeout", timeout))
	leftoverStreamsTotal.WithLabelValues(d.resource.String()).Add(float64(len(leftovers)))
}
