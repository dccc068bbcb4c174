package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/fieldsync/internal/events"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/storage"
)

// uploadQueues are sent one entry per request, in this order, before the
// route batch.
var uploadQueues = []struct {
	queue string
	path  string
}{
	{storage.QueueSessions, remote.PathSession},
	{storage.QueueRecords, remote.PathRecord},
	{storage.QueuePhotos, remote.PathPhoto},
}

var sendable = []storage.SyncStatus{storage.StatusPending, storage.StatusError}

// errAuth aborts an upload phase.
var errAuth = errors.New("authentication failed")

// Push sends every pending or failed queue entry. Entries are never dropped
// based on how many attempts they took.
func (o *Orchestrator) Push(ctx context.Context) UploadResult {
	res, out := runGuarded(ctx, &o.upload, o.cfg.PhaseTimeout, o.push)
	switch out {
	case busy:
		return UploadResult{Status: StatusInProgress, Pending: o.pendingOrZero()}
	case expired:
		o.logger.Error("upload phase timed out", "timeout", o.cfg.PhaseTimeout)
		o.recordError("upload", "upload timed out")
		return UploadResult{Status: StatusTimeout, Error: "upload timed out", Pending: o.pendingOrZero()}
	case cancelled:
		return UploadResult{Status: StatusError, Error: "upload cancelled", Pending: o.pendingOrZero()}
	}
	return res
}

func (o *Orchestrator) pendingOrZero() storage.PendingCounts {
	c, err := o.store.CountPending()
	if err != nil {
		o.logger.Warn("counting pending entries failed", "error", err)
	}
	return c
}

func (o *Orchestrator) push(ctx context.Context) UploadResult {
	if !o.Online() {
		return UploadResult{Status: StatusOffline, Pending: o.pendingOrZero()}
	}
	if !o.remote.HasToken(ctx) {
		o.logger.Warn("upload skipped, no authentication token")
		o.recordError("upload", remote.ErrNoToken.Error())
		return UploadResult{Status: StatusAuthError, Error: remote.ErrNoToken.Error(), Pending: o.pendingOrZero()}
	}

	o.events.Publish(events.UploadStarted, nil)
	o.logger.Info("upload started")

	var res UploadResult
	err := o.pushAll(ctx, &res)
	switch {
	case errors.Is(err, errAuth):
		res.Status = StatusAuthError
		res.Error = err.Error()
	case err != nil:
		res.Status = StatusError
		res.Error = err.Error()
	case res.Failed > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusOK
	}

	if err == nil {
		n, perr := o.store.PurgeSyncedOlderThan(o.cfg.Retention)
		if perr != nil {
			o.logger.Error("purging synced entries failed", "error", perr)
		}
		res.Purged = n
		if rerr := o.remote.RegisterSync(ctx, remote.KindUpload, o.clock.Now(), o.deviceID()); rerr != nil {
			o.logger.Warn("failed to report upload to server", "error", rerr)
		}
	}

	res.Pending = o.pendingOrZero()
	if res.Error != "" {
		o.recordError("upload", res.Error)
	} else if res.Failed > 0 {
		o.recordError("upload", fmt.Sprintf("%d entries failed", res.Failed))
	} else {
		o.clearError()
	}

	o.logger.Info("upload finished", "status", res.Status, "sent", res.Sent, "failed", res.Failed, "pending", res.Pending.Total)
	o.events.Publish(events.UploadCompleted, res)
	return res
}

// maxPasses bounds how often an entry modified during its own delivery is
// resent within one phase.
const maxPasses = 3

func (o *Orchestrator) pushAll(ctx context.Context, res *UploadResult) error {
	for _, q := range uploadQueues {
		if err := o.drain(ctx, q.queue, q.path, res); err != nil {
			return err
		}
	}
	return o.drain(ctx, storage.QueueRoutes, remote.PathRoutes, res)
}

// drain sends the sendable entries of queue. Entries changed while in flight
// keep their new state and are sent again.
func (o *Orchestrator) drain(ctx context.Context, queue, path string, res *UploadResult) error {
	entries, err := o.store.Entries(queue, sendable...)
	if err != nil {
		return fmt.Errorf("reading %s: %w", queue, err)
	}
	for pass := 0; len(entries) > 0; pass++ {
		if pass == maxPasses {
			o.logger.Warn("entries still changing, left for the next upload", "queue", queue, "count", len(entries))
			return nil
		}
		changed, err := o.deliver(ctx, queue, path, entries, res)
		if err != nil {
			return err
		}
		if entries, err = o.reload(queue, changed); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends entries and returns the ids whose outcome could not be
// recorded because they were modified meanwhile.
func (o *Orchestrator) deliver(ctx context.Context, queue, path string, entries []storage.Entry, res *UploadResult) ([]int64, error) {
	var changed []int64
	if queue == storage.QueueRoutes {
		ack, sendErr := o.remote.SendRoutes(ctx, entries)
		if isAuth(sendErr) {
			return nil, fmt.Errorf("%w: %v", errAuth, sendErr)
		}
		for _, e := range entries {
			stale, err := o.settle(e, ack, sendErr, res)
			if err != nil {
				return nil, err
			}
			if stale {
				changed = append(changed, e.LocalID)
			}
		}
		return changed, nil
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ack, sendErr := o.remote.SendEntry(ctx, path, e)
		if isAuth(sendErr) {
			return nil, fmt.Errorf("%w: %v", errAuth, sendErr)
		}
		stale, err := o.settle(e, ack, sendErr, res)
		if err != nil {
			return nil, err
		}
		if stale {
			changed = append(changed, e.LocalID)
		}
	}
	return changed, nil
}

// reload reads the current state of ids, keeping those still sendable.
func (o *Orchestrator) reload(queue string, ids []int64) ([]storage.Entry, error) {
	var out []storage.Entry
	for _, id := range ids {
		e, err := o.store.Entry(queue, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s/%d: %w", queue, id, err)
		}
		if e.SyncStatus == storage.StatusPending || e.SyncStatus == storage.StatusError {
			out = append(out, *e)
		}
	}
	return out, nil
}

// settle records the outcome of one delivery on its entry. It reports stale
// when the entry was modified after it was read, in which case nothing is
// recorded.
func (o *Orchestrator) settle(e storage.Entry, ack remote.Ack, sendErr error, res *UploadResult) (stale bool, err error) {
	if sendErr != nil {
		err = o.store.MarkError(e.Queue, e.LocalID, e.Revision, errorInfo(sendErr))
	} else {
		err = o.store.MarkSynced(e.Queue, e.LocalID, e.Revision, ack.Raw)
	}
	if errors.Is(err, storage.ErrChanged) {
		o.logger.Info("entry changed during delivery, resending", "queue", e.Queue, "local_id", e.LocalID)
		return true, nil
	}
	if sendErr != nil {
		o.logger.Warn("entry delivery failed", "queue", e.Queue, "local_id", e.LocalID, "error", sendErr)
		if err != nil {
			return false, fmt.Errorf("marking %s/%d as error: %w", e.Queue, e.LocalID, err)
		}
		res.Failed++
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("marking %s/%d as synced: %w", e.Queue, e.LocalID, err)
	}
	res.Sent++
	return false, nil
}

func errorInfo(err error) string {
	var rej *remote.RejectedError
	if errors.As(err, &rej) {
		return rej.Error()
	}
	return err.Error()
}

func isAuth(err error) bool {
	return errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, remote.ErrNoToken)
}
