package syncer

import (
	"context"
	"time"

	"github.com/kalambet/fieldsync/internal/remote"
)

// CheckForced runs the directions the operator forced on the server and then
// clears their flags. A failure to clear is logged and does not affect the
// sync that already ran.
func (o *Orchestrator) CheckForced(ctx context.Context) (ForcedResult, error) {
	var res ForcedResult
	if !o.Online() {
		return res, nil
	}

	flags, err := o.remote.ForcedFlags(ctx)
	if err != nil {
		return res, err
	}

	if flags.Download {
		o.logger.Info("forced download requested")
		r := o.Pull(ctx)
		res.Download = &r
		o.clearForced(ctx, remote.KindDownload)
	}
	if flags.Upload {
		o.logger.Info("forced upload requested")
		r := o.Push(ctx)
		res.Upload = &r
		o.clearForced(ctx, remote.KindUpload)
	}
	return res, nil
}

func (o *Orchestrator) clearForced(ctx context.Context, kind string) {
	if err := o.remote.ClearForced(ctx, kind); err != nil {
		o.logger.Warn("clearing forced flag failed", "tipo", kind, "error", err)
	}
}

// RunForcedPoll checks the forced-sync flags on a fixed interval while online
// until ctx is cancelled.
func (o *Orchestrator) RunForcedPoll(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ForcedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !o.Online() {
			continue
		}
		if _, err := o.CheckForced(ctx); err != nil {
			o.logger.Warn("forced sync poll failed", "error", err)
		}
	}
}
