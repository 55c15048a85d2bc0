package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

// ErrAckTimeout is returned by [PendingAck.Wait] when no acknowledgment
// arrived in time.
var ErrAckTimeout = errors.New("acknowledgment timed out")

// defaultAckBuffer is the AckProcessor queue length.
const defaultAckBuffer = 64

type ackResult struct {
	outcome model.DeliveryOutcome
	err     error
}

// PendingAck is a one-shot registration for the acknowledgment of one
// pushed record.
type PendingAck struct {
	recordID int64
	ch       chan ackResult
}

// Wait blocks until the acknowledgment was processed, timeout elapses, or
// ctx is cancelled. The returned error is non-nil when the local store
// could not apply the outcome.
func (p *PendingAck) Wait(ctx context.Context, timeout time.Duration) (model.DeliveryOutcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.outcome, r.err
	case <-timer.C:
		return model.DeliveryOutcome{RecordID: p.recordID}, fmt.Errorf("record %d: %w", p.recordID, ErrAckTimeout)
	case <-ctx.Done():
		return model.DeliveryOutcome{RecordID: p.recordID}, ctx.Err()
	}
}

// AckProcessor applies delivery outcomes to the local store. Outcomes are
// queued with [AckProcessor.Submit] and consumed by [AckProcessor.Run].
type AckProcessor struct {
	store  LocalStore
	status *status.Repository
	log    *slog.Logger
	queue  chan model.DeliveryOutcome

	mu      sync.Mutex
	waiters map[int64]*PendingAck
}

// NewAckProcessor creates an AckProcessor. A buffer of zero or less uses
// the default queue length.
func NewAckProcessor(store LocalStore, repo *status.Repository, logger *slog.Logger, buffer int) *AckProcessor {
	if buffer <= 0 {
		buffer = defaultAckBuffer
	}
	return &AckProcessor{
		store:   store,
		status:  repo,
		log:     logger,
		queue:   make(chan model.DeliveryOutcome, buffer),
		waiters: make(map[int64]*PendingAck),
	}
}

// Expect registers interest in the acknowledgment for recordID. A previous
// registration for the same record is replaced.
func (a *AckProcessor) Expect(recordID int64) *PendingAck {
	p := &PendingAck{recordID: recordID, ch: make(chan ackResult, 1)}
	a.mu.Lock()
	a.waiters[recordID] = p
	a.mu.Unlock()
	return p
}

// Forget drops the registration for recordID, if any.
func (a *AckProcessor) Forget(recordID int64) {
	a.mu.Lock()
	delete(a.waiters, recordID)
	a.mu.Unlock()
}

// Submit queues an outcome for processing.
func (a *AckProcessor) Submit(ctx context.Context, out model.DeliveryOutcome) error {
	select {
	case a.queue <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued outcomes until ctx is cancelled.
func (a *AckProcessor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-a.queue:
			if err := a.ProcessAck(ctx, out); err != nil {
				a.log.Error("processing acknowledgment failed", "record_id", out.RecordID, "error", err)
			}
		}
	}
}

// ProcessAck applies one outcome and then releases the waiter registered for
// the record, if any. Confirmed and duplicate outcomes mark the record
// confirmed; rejected records stay unconfirmed.
func (a *AckProcessor) ProcessAck(ctx context.Context, out model.DeliveryOutcome) error {
	var err error
	switch out.Outcome {
	case model.OutcomeConfirmed, model.OutcomeDuplicate:
		var changed bool
		changed, err = a.store.MarkConfirmed(ctx, out.RecordID, out.RemoteID)
		if err != nil {
			err = fmt.Errorf("confirming %s %d: %w", out.Kind, out.RecordID, err)
			break
		}
		detail := fmt.Sprintf("DB update: acked %s %d", out.Kind, out.RecordID)
		if out.Outcome == model.OutcomeDuplicate {
			detail += " (duplicate)"
		}
		if !changed {
			a.log.Debug("record already confirmed", "kind", out.Kind, "record_id", out.RecordID)
		}
		a.status.Log(status.ActionAck, detail, out.RemoteID)
	case model.OutcomeRejected:
		a.status.Log(status.ActionError, fmt.Sprintf("rejected %s %d", out.Kind, out.RecordID), out.Detail)
	default:
		err = fmt.Errorf("unknown outcome %v for record %d", out.Outcome, out.RecordID)
	}

	a.release(ackResult{outcome: out, err: err})
	return err
}

// release hands r to the registered waiter and removes the registration.
// It does nothing when no waiter is registered.
func (a *AckProcessor) release(r ackResult) {
	a.mu.Lock()
	p, ok := a.waiters[r.outcome.RecordID]
	delete(a.waiters, r.outcome.RecordID)
	a.mu.Unlock()

	if ok {
		p.ch <- r
	}
}
