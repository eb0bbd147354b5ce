// Package cleanup implements the temp-file janitor (spec §4.5): a
// periodic sweep that removes upload sessions whose lastTouched age
// exceeds the configured expiry, deleting both the temp bytes and the
// session record (generalized from the teacher's directory-mtime
// Sessions/RunPeriodic sweep). Sessions are selected by age alone: the
// sweep never checks whether a session's temp file still exists and never
// resets a session.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyface-de/ingest-storage/internal/store"
	"github.com/cyface-de/ingest-storage/internal/upload"
)

// Sweep visits every live session and abandons (and deletes) any whose
// lastTouched age exceeds expiry, cleaning its backend temp bytes first.
// It is safe to call concurrently with active uploads — a session
// recently touched is simply skipped.
func Sweep(sessions *upload.Store, backend store.Service, expiry time.Duration, logger zerolog.Logger) {
	cutoff := time.Now().Add(-expiry).UnixMilli()

	var stale []*upload.Session
	sessions.Range(func(sess *upload.Session) bool {
		if sess.State() == upload.StateCommitting {
			// A commit is in flight — never sweep out from under it.
			return true
		}
		if lastTouchedBefore(sess, cutoff) {
			stale = append(stale, sess)
		}
		return true
	})

	for _, sess := range stale {
		sess.Abandon()
		if err := backend.Clean(sess.Identifier); err != nil {
			logger.Warn().Err(err).Str("session", sess.Identifier).Msg("janitor: failed to clean temp bytes")
			continue
		}
		if err := sessions.Delete(sess.Identifier); err != nil {
			logger.Warn().Err(err).Str("session", sess.Identifier).Msg("janitor: failed to delete session record")
			continue
		}
		logger.Info().Str("session", sess.Identifier).Msg("janitor: removed expired upload session")
	}
}

func lastTouchedBefore(sess *upload.Session, cutoffMillis int64) bool {
	return sess.LastTouched() < cutoffMillis
}

// RunPeriodic starts a background goroutine that calls Sweep on every
// interval until ctx is cancelled. A first pass runs immediately at
// startup to flush sessions left over from a previous crash or restart.
func RunPeriodic(ctx context.Context, sessions *upload.Store, backend store.Service, expiry, interval time.Duration, logger zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		Sweep(sessions, backend, expiry, logger)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				Sweep(sessions, backend, expiry, logger)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
