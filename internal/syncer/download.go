package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fieldsync/internal/events"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/storage"
)

type categoryTarget struct {
	collection string
	category   remote.Category
}

var downloadCategories = []categoryTarget{
	{storage.CollectionRoute, remote.CategoryRoute},
	{storage.CollectionCustomers, remote.CategoryCustomers},
	{storage.CollectionCoordinates, remote.CategoryCoordinates},
	{storage.CollectionDocumentTypes, remote.CategoryDocumentTypes},
	{storage.CollectionExpenseTypes, remote.CategoryExpenseTypes},
}

// Pull downloads every reference category. A second call while a download is
// running returns StatusInProgress without contacting the server.
func (o *Orchestrator) Pull(ctx context.Context) DownloadResult {
	res, out := runGuarded(ctx, &o.download, o.cfg.PhaseTimeout, o.pull)
	switch out {
	case busy:
		return DownloadResult{Status: StatusInProgress}
	case expired:
		o.logger.Error("download phase timed out", "timeout", o.cfg.PhaseTimeout)
		o.recordError("download", "download timed out")
		return DownloadResult{Status: StatusTimeout, Error: "download timed out"}
	case cancelled:
		return DownloadResult{Status: StatusError, Error: "download cancelled"}
	}
	return res
}

func (o *Orchestrator) pull(ctx context.Context) DownloadResult {
	if !o.Online() {
		return DownloadResult{Status: StatusOffline}
	}
	if !o.remote.HasToken(ctx) {
		o.logger.Warn("download skipped, no authentication token")
		o.recordError("download", remote.ErrNoToken.Error())
		return DownloadResult{Status: StatusAuthError, Error: remote.ErrNoToken.Error()}
	}

	o.events.Publish(events.DownloadStarted, nil)
	o.logger.Info("download started")

	results := make([]CategoryResult, len(downloadCategories))
	authFailed := make([]bool, len(downloadCategories))

	// Categories are independent: no goroutine returns an error so one
	// failure never cancels its siblings.
	var g errgroup.Group
	for i, t := range downloadCategories {
		g.Go(func() error {
			results[i], authFailed[i] = o.pullCategory(ctx, t)
			return nil
		})
	}
	g.Wait()

	res := DownloadResult{Categories: results}
	var failed []string
	auth := false
	for i, r := range results {
		if r.Error == "" {
			res.Committed++
		} else {
			failed = append(failed, r.Collection+": "+r.Error)
		}
		auth = auth || authFailed[i]
	}

	if res.Committed > 0 {
		now := o.clock.Now()
		if err := o.meta.SetLastSync(now); err != nil {
			o.logger.Error("failed to store last sync time", "error", err)
		} else {
			res.LastSync = &now
		}
		if err := o.remote.RegisterSync(ctx, remote.KindDownload, now, o.deviceID()); err != nil {
			o.logger.Warn("failed to report download to server", "error", err)
		}
	}

	switch {
	case auth:
		res.Status = StatusAuthError
	case res.Committed == len(downloadCategories):
		res.Status = StatusOK
	case res.Committed > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusError
	}

	if len(failed) > 0 {
		res.Error = strings.Join(failed, "; ")
		o.recordError("download", res.Error)
	} else {
		o.clearError()
	}

	o.logger.Info("download finished", "status", res.Status, "committed", res.Committed, "failed", len(failed))
	o.events.Publish(events.DownloadCompleted, res)
	return res
}

// pullCategory fetches and commits one category. Failed categories keep the
// previous local snapshot.
func (o *Orchestrator) pullCategory(ctx context.Context, t categoryTarget) (CategoryResult, bool) {
	r := CategoryResult{Collection: t.collection}

	rows, err := o.remote.FetchCategory(ctx, t.category)
	if err != nil {
		o.logger.Warn("category download failed", "collection", t.collection, "error", err)
		r.Error = err.Error()
		return r, errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, remote.ErrNoToken)
	}

	records := make([]storage.Record, len(rows))
	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		key := recordKey(row, i)
		if seen[key] {
			err := fmt.Errorf("%s: duplicate id %q: %w", t.category.Path, key, remote.ErrMalformed)
			o.logger.Warn("category download rejected", "collection", t.collection, "error", err)
			r.Error = err.Error()
			return r, false
		}
		seen[key] = true
		records[i] = storage.Record{Key: key, Data: row}
	}
	if err := o.store.ReplaceCollection(t.collection, records); err != nil {
		o.logger.Error("category commit failed", "collection", t.collection, "error", err)
		r.Error = err.Error()
		return r, false
	}

	r.Rows = len(records)
	return r, false
}

// recordKey is the server id of row, or "#" and its position when the row
// has none. Numeric and string ids share one key space.
func recordKey(row json.RawMessage, pos int) string {
	var v struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(row, &v) == nil && len(v.ID) > 0 && string(v.ID) != "null" {
		var s string
		if json.Unmarshal(v.ID, &s) == nil {
			if s != "" {
				return s
			}
		} else {
			return string(v.ID)
		}
	}
	return "#" + strconv.Itoa(pos)
}
