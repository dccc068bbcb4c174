package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/fieldsync/internal/events"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/storage"
)

// Operation names sent to the time validation endpoint.
const (
	OpCheckIn  = "checkin"
	OpCheckout = "checkout"
)

// Position is a device location.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CheckInResult is the outcome of CheckIn.
type CheckInResult struct {
	LocalID   int64     `json:"localId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CheckoutResult is the outcome of Checkout.
type CheckoutResult struct {
	LocalID    int64     `json:"localId"`
	CheckoutAt time.Time `json:"checkout_at"`
	Sending    bool      `json:"sending"`
}

// ValidateTime asks the server whether at is acceptable for operation. It
// fails open: offline or on any remote failure the operation is permitted.
func (o *Orchestrator) ValidateTime(ctx context.Context, operation string, at time.Time) remote.Verdict {
	permit := remote.Verdict{OK: true, Valid: true}
	if !o.Online() {
		return permit
	}
	v, err := o.remote.ValidateTime(ctx, operation, at)
	if err != nil {
		o.logger.Warn("time validation failed, permitting operation", "operation", operation, "error", err)
		return permit
	}
	return v
}

// CheckIn validates the action time and enqueues a new session created at
// that time carrying the check-in position.
func (o *Orchestrator) CheckIn(ctx context.Context, payload json.RawMessage, pos Position) (CheckInResult, error) {
	at := o.clock.Now()
	if v := o.ValidateTime(ctx, OpCheckIn, at); !v.Valid {
		return CheckInResult{}, ErrTimeRejected
	}

	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return CheckInResult{}, fmt.Errorf("check-in payload must be a JSON object: %w", err)
		}
	}
	fields["checkin_lat"] = pos.Lat
	fields["checkin_lng"] = pos.Lng
	b, err := json.Marshal(fields)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("marshalling check-in: %w", err)
	}

	id, err := o.store.EnqueueAt(storage.QueueSessions, b, at)
	if err != nil {
		return CheckInResult{}, err
	}
	o.logger.Info("check-in recorded", "local_id", id)
	return CheckInResult{LocalID: id, CreatedAt: at}, nil
}

// Checkout stamps checkout_at and the position on the session. The call
// succeeds once the mutation is stored; when enviarNoCheckout is set and the
// device is online an upload starts in the background.
func (o *Orchestrator) Checkout(ctx context.Context, localID int64, pos Position) (CheckoutResult, error) {
	at := o.clock.Now()
	if v := o.ValidateTime(ctx, OpCheckout, at); !v.Valid {
		return CheckoutResult{}, ErrTimeRejected
	}

	if err := o.store.RecordCheckout(localID, at, pos.Lat, pos.Lng); err != nil {
		return CheckoutResult{}, err
	}
	res := CheckoutResult{LocalID: localID, CheckoutAt: at}
	o.logger.Info("checkout recorded", "local_id", localID)
	o.events.Publish(events.Checkout, res)

	cfg, err := o.meta.SyncConfig()
	if err != nil {
		o.logger.Warn("reading sync config failed, not sending checkout now", "error", err)
		return res, nil
	}
	if cfg.SendOnCheckout && o.Online() {
		res.Sending = true
		o.background(ctx, func(ctx context.Context) { o.Push(ctx) })
	}
	return res, nil
}
