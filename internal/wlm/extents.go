package wlm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/juju/retry"

	"wlm-go/internal/model"
)

// errEmptyReply marks a changed-area reply that did not advance the cursor.
var errEmptyReply = errors.New("empty changed-area reply")

// ChangedExtents returns the extents of dev that differ from the disk state
// identified by sinceToken. FullCaptureToken means "from an empty disk".
//
// The sequence is lazy and restartable: each iteration re-issues the
// bounded queries from offset zero. The query for one cursor position is
// re-issued up to EmptyReplyRetries times when the reply is empty; after that
// the rest of the device is treated as unchanged.
func (s *Service) ChangedExtents(ctx context.Context, vmID, snapshotRef string, dev Device, sinceToken string) iter.Seq2[model.Extent, error] {
	return func(yield func(model.Extent, error) bool) {
		if sinceToken == model.FullCaptureToken && s.opts.FullCaptureMode == FullCaptureAll {
			if dev.CapacityBytes > 0 {
				yield(model.Extent{Offset: 0, Length: dev.CapacityBytes}, nil)
			}
			return
		}

		var position int64
		for position < dev.CapacityBytes {
			reply, err := s.queryChangedAreas(ctx, vmID, snapshotRef, dev.Key, sinceToken, position)
			if errors.Is(err, errEmptyReply) {
				s.logger.Warn("changed-area query returned nothing, treating rest of disk as unchanged",
					"vm", vmID, "device", dev.Label, "offset", position)
				return
			}
			if err != nil {
				yield(model.Extent{}, err)
				return
			}
			for _, a := range reply.Areas {
				if a.Length <= 0 {
					continue
				}
				if !yield(a, nil) {
					return
				}
			}
			position = reply.StartOffset + reply.Length
		}
	}
}

// queryChangedAreas issues one bounded query, retrying empty replies.
func (s *Service) queryChangedAreas(ctx context.Context, vmID, snapshotRef string, key int32, sinceToken string, position int64) (*ChangedAreas, error) {
	var reply *ChangedAreas
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			r, err := s.hypervisor.QueryChangedAreas(ctx, vmID, snapshotRef, key, sinceToken, position)
			if err != nil {
				return err
			}
			if r.StartOffset+r.Length <= position {
				return errEmptyReply
			}
			reply = r
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errEmptyReply)
		},
		NotifyFunc: func(err error, attempt int) {
			s.logger.Debug("retrying changed-area query", "vm", vmID, "offset", position, "attempt", attempt)
		},
		Attempts: s.opts.EmptyReplyRetries + 1,
		Delay:    max(s.opts.EmptyReplyDelay, time.Millisecond),
		Clock:    s.opts.RetryClock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return reply, nil
	}
	if retry.IsAttemptsExceeded(err) {
		return nil, errEmptyReply
	}
	if retry.IsRetryStopped(err) {
		return nil, Cancelled("changed-area query interrupted: %v", ctx.Err())
	}
	return nil, fmt.Errorf("querying changed areas of device %d at offset %d: %w", key, position, err)
}

// collectExtents drains seq into a normalized list.
func collectExtents(seq iter.Seq2[model.Extent, error]) ([]model.Extent, error) {
	var out []model.Extent
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
