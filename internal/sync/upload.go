package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/remote"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

// UploadResult tallies one upload pass.
type UploadResult struct {
	// Eligible is false when the connection state did not allow uploads.
	// Reason then says why.
	Eligible bool
	Reason   string

	Selected  int
	Pushed    int
	Confirmed int
	Rejected  int
	Failed    int
	TimedOut  int
}

// Uploader pushes unconfirmed local records to the remote. It never marks
// records confirmed itself: confirmation happens in the [AckProcessor] once
// the remote acknowledged the push.
type Uploader struct {
	store      LocalStore
	remote     RemoteClient
	acks       *AckProcessor
	status     *status.Repository
	log        *slog.Logger
	batchSize  int
	ackTimeout time.Duration
}

// NewUploader creates an Uploader. batchSize caps the records pushed per
// pass; ackTimeout bounds the wait for each acknowledgment.
func NewUploader(store LocalStore, rc RemoteClient, acks *AckProcessor, repo *status.Repository, logger *slog.Logger, batchSize int, ackTimeout time.Duration) *Uploader {
	return &Uploader{
		store:      store,
		remote:     rc,
		acks:       acks,
		status:     repo,
		log:        logger,
		batchSize:  batchSize,
		ackTimeout: ackTimeout,
	}
}

// UploadPending pushes every unconfirmed record, oldest first, when conn
// allows uploads. Transport failures and timeouts leave the record for the
// next pass. An authorization failure stops the pass and is returned.
func (u *Uploader) UploadPending(ctx context.Context, conn model.ConnectionState) (UploadResult, error) {
	if !conn.CanUpload() {
		return UploadResult{Eligible: false, Reason: conn.Reason()}, nil
	}
	res := UploadResult{Eligible: true}
	defer u.publishQueueSize(ctx)

	pending, err := u.selectPending(ctx)
	if err != nil {
		return res, err
	}
	res.Selected = len(pending)
	if len(pending) == 0 {
		u.log.Debug("nothing to upload")
		return res, nil
	}
	u.log.Info("uploading records", "count", len(pending))

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := u.uploadOne(ctx, rec, &res); err != nil {
			return res, err
		}
	}

	u.log.Info("upload pass complete",
		"selected", res.Selected,
		"confirmed", res.Confirmed,
		"rejected", res.Rejected,
		"failed", res.Failed,
		"timed_out", res.TimedOut,
	)
	return res, nil
}

// selectPending reads the unconfirmed records of every upload kind and
// orders them oldest first.
func (u *Uploader) selectPending(ctx context.Context) ([]*model.Record, error) {
	var all []*model.Record
	for _, kind := range model.UploadKinds() {
		recs, err := u.store.Unconfirmed(ctx, kind, u.batchSize)
		if err != nil {
			return nil, fmt.Errorf("selecting unconfirmed %s: %w", kind, err)
		}
		all = append(all, recs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return model.Less(all[i], all[j]) })

	// Each kind contributes its oldest batchSize records, so the first
	// batchSize of the union are the oldest overall. Anything past that may
	// skip an older record of a kind that was cut off.
	if u.batchSize > 0 && len(all) > u.batchSize {
		all = all[:u.batchSize]
	}
	return all, nil
}

// uploadOne pushes rec and waits for its acknowledgment. Only errors that
// must stop the pass are returned.
func (u *Uploader) uploadOne(ctx context.Context, rec *model.Record, res *UploadResult) error {
	pending := u.acks.Expect(rec.ID)

	out, err := u.remote.Push(ctx, rec)
	if err != nil {
		u.acks.Forget(rec.ID)
		if errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, remote.ErrForbidden) {
			u.status.Log(status.ActionAuth, fmt.Sprintf("upload stopped at %s", rec), err.Error())
			return fmt.Errorf("pushing %s: %w", rec, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Failed++
		u.status.Log(status.ActionError, fmt.Sprintf("push %s failed", rec), err.Error())
		u.status.SetLastError(err.Error())
		return nil
	}
	res.Pushed++
	u.status.Log(status.ActionUpload, rec.String(), out.Outcome.String())

	if err := u.acks.Submit(ctx, out); err != nil {
		u.acks.Forget(rec.ID)
		return err
	}

	ack, err := pending.Wait(ctx, u.ackTimeout)
	switch {
	case errors.Is(err, ErrAckTimeout):
		u.acks.Forget(rec.ID)
		res.TimedOut++
		u.status.Log(status.ActionError, fmt.Sprintf("no acknowledgment for %s", rec), u.ackTimeout.String())
	case err != nil:
		if ctx.Err() != nil {
			u.acks.Forget(rec.ID)
			return ctx.Err()
		}
		res.Failed++
		u.status.SetLastError(err.Error())
	case ack.Outcome == model.OutcomeRejected:
		res.Rejected++
	default:
		res.Confirmed++
	}
	return nil
}

func (u *Uploader) publishQueueSize(ctx context.Context) {
	n, err := u.store.CountUnconfirmed(context.WithoutCancel(ctx))
	if err != nil {
		u.log.Warn("counting unconfirmed records", "error", err)
		return
	}
	u.status.SetQueueSize(n)
}
