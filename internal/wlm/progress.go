package wlm

import (
	"context"
	"time"
)

// progressSink persists the progress of one long-running entity.
type progressSink struct {
	kind      string // "snapshot", "restore" or "mount", for logs
	id        string
	lineage   string // lineage whose lease is kept alive while pumping, if any
	add       func(id string, n int64) error
	cancelled func(id string) (bool, error)
}

func (s *Service) snapshotSink(id string) progressSink {
	return progressSink{
		kind:      "snapshot",
		id:        id,
		add:       s.registry.AddSnapshotProgress,
		cancelled: s.registry.SnapshotCancelRequested,
	}
}

func (s *Service) restoreSink(id string) progressSink {
	return progressSink{
		kind:      "restore",
		id:        id,
		add:       s.registry.AddRestoreProgress,
		cancelled: s.registry.RestoreCancelRequested,
	}
}

// mountSink tracks nothing: a mount has no registry row to report progress
// to and cannot be cancelled by request.
func (s *Service) mountSink(snapshotID string) progressSink {
	return progressSink{
		kind:      "mount",
		id:        snapshotID,
		add:       func(string, int64) error { return nil },
		cancelled: func(string) (bool, error) { return false, nil },
	}
}

// checkCancel returns a Cancelled error if cancellation was requested.
func (s *Service) checkCancel(ctx context.Context, sink progressSink) error {
	if err := ctx.Err(); err != nil {
		return Cancelled("%s %s interrupted: %v", sink.kind, sink.id, err)
	}
	requested, err := sink.cancelled(sink.id)
	if err != nil {
		s.logger.Warn("reading cancellation flag failed", sink.kind, sink.id, "error", err)
		return nil
	}
	if requested {
		return Cancelled("%s %s cancelled by request", sink.kind, sink.id)
	}
	return nil
}

// pump consumes a transfer until the process exits. Every progress tick adds
// the increment to the registry and checks the cancellation flag; a silent
// transfer is checked every PollInterval. The lease of sink.lineage is
// renewed along the way. On cancellation, or when the lease was lost, the
// process is terminated and the error returned. op labels the transferred
// bytes metric. pump returns the last cumulative byte count reported.
func (s *Service) pump(ctx context.Context, t Transfer, sink progressSink, op string) (int64, error) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var done int64
	progress := t.Progress()
	for progress != nil {
		select {
		case v, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if v > done {
				delta := v - done
				done = v
				if err := sink.add(sink.id, delta); err != nil {
					s.logger.Warn("recording progress failed", sink.kind, sink.id, "error", err)
				}
				s.metrics.TransferredBytes(op, delta)
			}
		case <-ticker.C:
		case <-ctx.Done():
		}

		if err := s.checkCancel(ctx, sink); err != nil {
			s.terminate(t, sink)
			return done, err
		}
		if err := s.lineages.Renew(sink.lineage); err != nil {
			s.logger.Error("lineage lease lost, stopping transfer", sink.kind, sink.id, "lineage", sink.lineage, "error", err)
			s.terminate(t, sink)
			return done, err
		}
	}

	if err := t.Wait(); err != nil {
		return done, err
	}
	return done, nil
}

// terminate stops the process and waits for it to exit.
func (s *Service) terminate(t Transfer, sink progressSink) {
	if err := t.Terminate(); err != nil {
		s.logger.Warn("terminating disk tool failed", sink.kind, sink.id, "error", err)
	}
	for range t.Progress() {
	}
	if err := t.Wait(); err != nil {
		s.logger.Debug("terminated disk tool exited", sink.kind, sink.id, "error", err)
	}
}
