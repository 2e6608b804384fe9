/*
Package jobqueue configuration - tunable parameters for the River job queue.

Title generation is the only job kind today. It is cheap to retry and
harmless to drop, so attempts are few and the job timeout is short. Raise
MaxWorkers if many conversations start at once and the model provider allows
the extra concurrency.

River's schema must be migrated before the queue starts; `threadline migrate`
does this together with the thread tables.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueTitles is the River queue title jobs run on.
const QueueTitles = "titles"

// QueueConfig holds the queue tuning knobs.
type QueueConfig struct {
	MaxWorkers  int           // Concurrent title jobs (default: 4)
	MaxAttempts int           // Attempts per job before River discards it (default: 5)
	JobTimeout  time.Duration // Upper bound on one title generation (default: 1 minute)
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxWorkers:  4,
		MaxAttempts: 5,
		JobTimeout:  time.Minute,
	}
}

// RiverQueueConfig converts to River's per-queue settings.
func (c QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	workers := c.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	return map[string]river.QueueConfig{
		QueueTitles: {MaxWorkers: workers},
	}
}
