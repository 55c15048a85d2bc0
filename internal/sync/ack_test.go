package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

func TestProcessAck_ConfirmsOnceAndReleasesWaiter(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{Kind: model.KindBolus, Payload: &model.Bolus{Insulin: 1}})
	repo := newTestRepo()
	acks := NewAckProcessor(store, repo, testLogger, 0)
	ctx := context.Background()

	pending := acks.Expect(id)
	out := model.DeliveryOutcome{RecordID: id, Kind: model.KindBolus, Outcome: model.OutcomeConfirmed, RemoteID: "r-1"}
	if err := acks.ProcessAck(ctx, out); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}

	got, err := pending.Wait(ctx, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Outcome != model.OutcomeConfirmed {
		t.Errorf("Outcome = %v, want confirmed", got.Outcome)
	}
	rec := store.get(id)
	if !rec.Confirmed || rec.RemoteID != "r-1" {
		t.Errorf("record = %+v, want confirmed with remote ID r-1", rec)
	}
	if !hasEntry(repo, status.ActionAck, "DB update: acked bolus") {
		t.Error("missing ACK log entry")
	}

	// A second acknowledgment for the same record is harmless.
	if err := acks.ProcessAck(ctx, out); err != nil {
		t.Fatalf("second ProcessAck: %v", err)
	}
	if !store.get(id).Confirmed {
		t.Error("record lost its confirmation")
	}
}

func TestProcessAck_DuplicateCountsAsConfirmed(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{Kind: model.KindCarbs, Payload: &model.Carbs{Carbs: 10}})
	repo := newTestRepo()
	acks := NewAckProcessor(store, repo, testLogger, 0)

	out := model.DeliveryOutcome{RecordID: id, Kind: model.KindCarbs, Outcome: model.OutcomeDuplicate, RemoteID: "existing"}
	if err := acks.ProcessAck(context.Background(), out); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}
	if !store.get(id).Confirmed {
		t.Error("duplicate did not confirm the record")
	}
	if !hasEntry(repo, status.ActionAck, "(duplicate)") {
		t.Error("duplicate not tagged in the log")
	}
}

func TestProcessAck_RejectedStaysUnconfirmed(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{Kind: model.KindCarbs, Payload: &model.Carbs{Carbs: 10}})
	repo := newTestRepo()
	acks := NewAckProcessor(store, repo, testLogger, 0)
	ctx := context.Background()

	pending := acks.Expect(id)
	out := model.DeliveryOutcome{RecordID: id, Kind: model.KindCarbs, Outcome: model.OutcomeRejected, Detail: "Bad or missing date field"}
	if err := acks.ProcessAck(ctx, out); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}

	got, err := pending.Wait(ctx, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Outcome != model.OutcomeRejected {
		t.Errorf("Outcome = %v, want rejected", got.Outcome)
	}
	if store.get(id).Confirmed {
		t.Error("rejected record was confirmed")
	}
	if store.markCalls != 0 {
		t.Errorf("MarkConfirmed calls = %d, want 0", store.markCalls)
	}
	if !hasEntry(repo, status.ActionError, "rejected carbs") {
		t.Error("missing rejection log entry")
	}
}

func TestProcessAck_WithoutWaiter(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{Kind: model.KindBolus, Payload: &model.Bolus{Insulin: 1}})
	acks := NewAckProcessor(store, newTestRepo(), testLogger, 0)

	out := model.DeliveryOutcome{RecordID: id, Kind: model.KindBolus, Outcome: model.OutcomeConfirmed}
	if err := acks.ProcessAck(context.Background(), out); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}
	if !store.get(id).Confirmed {
		t.Error("record not confirmed")
	}
}

func TestProcessAck_LateAckAfterTimeout(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{Kind: model.KindBolus, Payload: &model.Bolus{Insulin: 1}})
	acks := NewAckProcessor(store, newTestRepo(), testLogger, 0)
	ctx := context.Background()

	pending := acks.Expect(id)
	if _, err := pending.Wait(ctx, 10*time.Millisecond); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Wait error = %v, want ErrAckTimeout", err)
	}
	acks.Forget(id)

	out := model.DeliveryOutcome{RecordID: id, Kind: model.KindBolus, Outcome: model.OutcomeConfirmed}
	if err := acks.ProcessAck(ctx, out); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}
	if !store.get(id).Confirmed {
		t.Error("late acknowledgment did not confirm the record")
	}
}

func TestProcessAck_StoreErrorReachesWaiter(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{Kind: model.KindBolus, Payload: &model.Bolus{Insulin: 1}})
	store.markErr = errors.New("database is locked")
	acks := NewAckProcessor(store, newTestRepo(), testLogger, 0)
	ctx := context.Background()

	pending := acks.Expect(id)
	out := model.DeliveryOutcome{RecordID: id, Kind: model.KindBolus, Outcome: model.OutcomeConfirmed}
	if err := acks.ProcessAck(ctx, out); err == nil {
		t.Fatal("expected error from ProcessAck, got nil")
	}
	if _, err := pending.Wait(ctx, time.Second); err == nil || errors.Is(err, ErrAckTimeout) {
		t.Errorf("Wait error = %v, want store error", err)
	}
}

func TestAckProcessor_RunProcessesQueue(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{Kind: model.KindBolus, Payload: &model.Bolus{Insulin: 1}})
	acks := NewAckProcessor(store, newTestRepo(), testLogger, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- acks.Run(ctx) }()

	pending := acks.Expect(id)
	if err := acks.Submit(ctx, model.DeliveryOutcome{RecordID: id, Kind: model.KindBolus}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := pending.Wait(ctx, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
