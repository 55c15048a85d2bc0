package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/remote"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

// ---------------------------------------------------------------------------
// History loader
// ---------------------------------------------------------------------------

func TestHistoryLoader_OverlapOnFirstPageOnly(t *testing.T) {
	store := newMockStore()
	store.setCursor(model.Cursor{Collection: model.CollectionDeviceStatus, Watermark: 1_000_000})
	rc := newMockRemote()
	rc.addDoc(model.CollectionDeviceStatus, "d1", 1_000_100)
	rc.addDoc(model.CollectionDeviceStatus, "d2", 1_000_200)
	rc.addDoc(model.CollectionDeviceStatus, "d3", 1_000_300)

	l := NewHistoryLoader(model.CollectionDeviceStatus, rc, store, newTestRepo(), nil, testLogger, 2, 7*time.Minute)
	res, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := rc.fetchCalls()
	if len(calls) != 3 {
		t.Fatalf("fetches = %d, want 3", len(calls))
	}
	if want := int64(1_000_000 - 7*60*1000 - 1); calls[0].since != want {
		t.Errorf("first since = %d, want %d", calls[0].since, want)
	}
	if calls[1].since != 1_000_199 {
		t.Errorf("second since = %d, want 1000199 (no overlap)", calls[1].since)
	}
	if res.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", res.Inserted)
	}
	if wm := store.cursor(model.CollectionDeviceStatus).Watermark; wm != 1_000_300 {
		t.Errorf("Watermark = %d, want 1000300", wm)
	}
}

func TestHistoryLoader_PageBoundaryKeepsTiedDocuments(t *testing.T) {
	store := newMockStore()
	rc := newMockRemote()
	rc.addDoc(model.CollectionEntries, "e1", 10)
	rc.addDoc(model.CollectionEntries, "e2", 20)
	rc.addDoc(model.CollectionEntries, "e3", 20)

	l := NewHistoryLoader(model.CollectionEntries, rc, store, newTestRepo(), nil, testLogger, 2, 0)
	res, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", res.Inserted)
	}
	if n := len(store.records); n != 3 {
		t.Errorf("stored records = %d, want 3", n)
	}
	if wm := store.cursor(model.CollectionEntries).Watermark; wm != 20 {
		t.Errorf("Watermark = %d, want 20", wm)
	}

	// A document written later at the watermark's own time is still picked up.
	rc.addDoc(model.CollectionEntries, "e4", 20)
	l = NewHistoryLoader(model.CollectionEntries, rc, store, newTestRepo(), nil, testLogger, 10, 0)
	res, err = l.Load(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("second pass Inserted = %d, want 1", res.Inserted)
	}
	if n := len(store.records); n != 4 {
		t.Errorf("stored records = %d, want 4", n)
	}
}

func TestHistoryLoader_SinceNeverNegative(t *testing.T) {
	store := newMockStore()
	rc := newMockRemote()
	l := NewHistoryLoader(model.CollectionDeviceStatus, rc, store, newTestRepo(), nil, testLogger, 100, 7*time.Minute)

	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if since := rc.fetchCalls()[0].since; since != 0 {
		t.Errorf("since = %d, want 0", since)
	}
}

func TestHistoryLoader_WatermarkNeverDecreases(t *testing.T) {
	store := newMockStore()
	rc := newMockRemote()
	// An older document returned inside the overlap window.
	rc.addDoc(model.CollectionEntries, "e1", 4_000)

	l := NewHistoryLoader(model.CollectionEntries, rc, store, newTestRepo(), nil, testLogger, 100, 0)
	next, merged, err := l.LoadSince(context.Background(), model.Cursor{Collection: model.CollectionEntries, Watermark: 3_000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged != 1 {
		t.Errorf("merged = %d, want 1", merged)
	}
	if next.Watermark != 4_000 {
		t.Errorf("Watermark = %d, want 4000", next.Watermark)
	}

	next, _, err = l.LoadSince(context.Background(), model.Cursor{Collection: model.CollectionEntries, Watermark: 9_000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Watermark != 9_000 {
		t.Errorf("Watermark = %d, want 9000 (unchanged)", next.Watermark)
	}
}

func TestHistoryLoader_ErrorLeavesCursorUnchanged(t *testing.T) {
	store := newMockStore()
	store.setCursor(model.Cursor{Collection: model.CollectionTreatments, Watermark: 5_000})
	rc := newMockRemote()
	rc.fetchErr[model.CollectionTreatments] = remote.ErrTransport

	l := NewHistoryLoader(model.CollectionTreatments, rc, store, newTestRepo(), nil, testLogger, 100, 0)
	if _, err := l.Load(context.Background()); !errors.Is(err, remote.ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	if wm := store.cursor(model.CollectionTreatments).Watermark; wm != 5_000 {
		t.Errorf("Watermark = %d, want 5000", wm)
	}
	if store.savedCount != 0 {
		t.Errorf("SaveCursor calls = %d, want 0", store.savedCount)
	}
}

func TestHistoryLoader_MergeErrorAborts(t *testing.T) {
	store := newMockStore()
	store.mergeErr = errors.New("constraint failed")
	rc := newMockRemote()
	rc.addDoc(model.CollectionTreatments, "t1", 1_000)

	l := NewHistoryLoader(model.CollectionTreatments, rc, store, newTestRepo(), nil, testLogger, 100, 0)
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if store.savedCount != 0 {
		t.Errorf("SaveCursor calls = %d, want 0", store.savedCount)
	}
}

func TestHistoryLoader_MalformedDocumentsSkipped(t *testing.T) {
	store := newMockStore()
	rc := newMockRemote()
	rc.addDoc(model.CollectionTreatments, "t1", 1_000)
	rc.failures[model.CollectionTreatments] = []model.DecodeFailure{
		{Identifier: "bad-1", Err: errors.New("unsupported document: event type \"Pizza Party\"")},
	}
	repo := newTestRepo()

	l := NewHistoryLoader(model.CollectionTreatments, rc, store, repo, nil, testLogger, 100, 0)
	res, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Malformed != 1 || res.Inserted != 1 {
		t.Errorf("result = %+v, want 1 malformed and 1 inserted", res)
	}
	if !hasEntry(repo, status.ActionSkip, "malformed treatments document bad-1") {
		t.Error("missing malformed document log entry")
	}
}

func TestHistoryLoader_MergesEchoOfLocalUpload(t *testing.T) {
	store := newMockStore()
	id := store.add(&model.Record{OriginID: "local-1", Kind: model.KindGlucoseValue, Payload: &model.GlucoseValue{Value: 99}})
	rc := newMockRemote()
	rc.addDoc(model.CollectionEntries, "local-1", 2_000)

	l := NewHistoryLoader(model.CollectionEntries, rc, store, newTestRepo(), nil, testLogger, 100, 0)
	res, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Linked != 1 || res.Inserted != 0 {
		t.Errorf("result = %+v, want 1 linked", res)
	}
	if store.count() != 1 {
		t.Errorf("records = %d, want 1", store.count())
	}
	if !store.get(id).Confirmed {
		t.Error("echoed record not confirmed")
	}
}

func TestHistoryLoader_HeartbeatSkip(t *testing.T) {
	store := newMockStore()
	store.setCursor(model.Cursor{Collection: model.CollectionEntries, Watermark: 8_000})
	rc := newMockRemote()
	beat := &Heartbeat{}
	beat.Set(map[model.Collection]int64{model.CollectionEntries: 8_000})

	l := NewHistoryLoader(model.CollectionEntries, rc, store, newTestRepo(), beat, testLogger, 100, 0)
	res, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped {
		t.Error("Skipped = false, want true")
	}
	if n := len(rc.fetchCalls()); n != 0 {
		t.Errorf("fetches = %d, want 0", n)
	}

	beat.Set(map[model.Collection]int64{model.CollectionEntries: 9_000})
	if res, _ := l.Load(context.Background()); res.Skipped {
		t.Error("newer remote data was skipped")
	}
}

// ---------------------------------------------------------------------------
// Fetch-all loader
// ---------------------------------------------------------------------------

func TestFetchAllLoader_ReloadsEveryNthPass(t *testing.T) {
	store := newMockStore()
	rc := newMockRemote()
	rc.addDoc(model.CollectionFood, "f1", 1_000)
	repo := newTestRepo()

	l := NewFetchAllLoader(model.CollectionFood, rc, store, repo, testLogger, 500, 5)
	ctx := context.Background()

	var fetched []int
	for pass := 0; pass < 12; pass++ {
		res, err := l.Load(ctx)
		if err != nil {
			t.Fatalf("pass %d: unexpected error: %v", pass, err)
		}
		if !res.Skipped {
			fetched = append(fetched, pass)
		}
	}

	want := []int{0, 5, 10}
	if len(fetched) != len(want) {
		t.Fatalf("fetched passes = %v, want %v", fetched, want)
	}
	for i := range want {
		if fetched[i] != want[i] {
			t.Errorf("fetched passes = %v, want %v", fetched, want)
			break
		}
	}
	if a := store.cursor(model.CollectionFood).Attempts; a != 12 {
		t.Errorf("Attempts = %d, want 12", a)
	}
	if !hasEntry(repo, status.ActionSkip, "food skipped") {
		t.Error("missing skip log entry")
	}
}

func TestFetchAllLoader_ErrorKeepsAttempts(t *testing.T) {
	store := newMockStore()
	rc := newMockRemote()
	rc.fetchErr[model.CollectionFood] = remote.ErrTransport

	l := NewFetchAllLoader(model.CollectionFood, rc, store, newTestRepo(), testLogger, 500, 5)
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if a := store.cursor(model.CollectionFood).Attempts; a != 0 {
		t.Errorf("Attempts = %d, want 0", a)
	}
}

// ---------------------------------------------------------------------------
// Heartbeat loader
// ---------------------------------------------------------------------------

func TestHeartbeatLoader_PublishesLastModified(t *testing.T) {
	store := newMockStore()
	rc := newMockRemote()
	rc.lastModified = map[model.Collection]int64{
		model.CollectionEntries:    7_000,
		model.CollectionTreatments: 6_000,
	}
	repo := newTestRepo()
	beat := &Heartbeat{}

	l := NewHeartbeatLoader(rc, store, repo, beat, testLogger)
	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !beat.Unchanged(model.CollectionEntries, 7_000) {
		t.Error("entries should be unchanged at watermark 7000")
	}
	if beat.Unchanged(model.CollectionTreatments, 5_000) {
		t.Error("treatments changed after 5000")
	}
	if got := repo.Snapshot().URL; got != "https://ns.example.com" {
		t.Errorf("URL = %q", got)
	}
	if wm := store.cursor(model.CollectionStatus).Watermark; wm != 7_000 {
		t.Errorf("status Watermark = %d, want 7000", wm)
	}
}

func TestHeartbeatLoader_FailureClearsHeartbeat(t *testing.T) {
	rc := newMockRemote()
	rc.lmErr = remote.ErrTransport
	beat := &Heartbeat{}
	beat.Set(map[model.Collection]int64{model.CollectionEntries: 7_000})

	l := NewHeartbeatLoader(rc, newMockStore(), newTestRepo(), beat, testLogger)
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if beat.Unchanged(model.CollectionEntries, 7_000) {
		t.Error("stale heartbeat kept after failure")
	}
}
