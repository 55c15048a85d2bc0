package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/remote"
	"github.com/slewanld/AndroidAPS-sub001/internal/state"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var baseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestRepo() *status.Repository {
	return status.New(status.DefaultCapacity, testLogger)
}

// hasEntry reports whether the repository log holds an entry with the given
// action whose detail contains substr.
func hasEntry(repo *status.Repository, action, substr string) bool {
	for _, e := range repo.Entries() {
		if e.Action == action && strings.Contains(e.Detail, substr) {
			return true
		}
	}
	return false
}

// --- Mock Local Store --------------------------------------------------------

type mockStore struct {
	mu      sync.Mutex
	records map[int64]*model.Record
	cursors map[model.Collection]model.Cursor
	nextID  int64

	markCalls  int
	markErr    error
	mergeErr   error
	cursorErr  error
	resetErr   error
	unconfErr  error
	savedCount int
}

func newMockStore() *mockStore {
	return &mockStore{
		records: make(map[int64]*model.Record),
		cursors: make(map[model.Collection]model.Cursor),
	}
}

// add stores a local record and returns its ID.
func (m *mockStore) add(rec *model.Record) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	if rec.OriginID == "" {
		rec.OriginID = fmt.Sprintf("origin-%d", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = baseTime.Add(time.Duration(rec.ID) * time.Second)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = rec.CreatedAt
	}
	rec.Valid = true
	cp := *rec
	m.records[rec.ID] = &cp
	return rec.ID
}

func (m *mockStore) get(id int64) *model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockStore) cursor(c model.Collection) model.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[c]
}

func (m *mockStore) setCursor(cur model.Cursor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cur.Collection] = cur
}

func (m *mockStore) Unconfirmed(_ context.Context, kind model.Kind, limit int) ([]*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unconfErr != nil {
		return nil, m.unconfErr
	}
	var result []*model.Record
	for _, r := range m.records {
		if r.Kind == kind && !r.Confirmed {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockStore) CountUnconfirmed(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if !r.Confirmed && r.Kind != model.KindDeviceStatus {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) CountByKind(_ context.Context) (map[model.Kind]state.KindCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.Kind]state.KindCount)
	for _, r := range m.records {
		c := out[r.Kind]
		c.Total++
		if !r.Confirmed {
			c.Unconfirmed++
		}
		out[r.Kind] = c
	}
	return out, nil
}

func (m *mockStore) MarkConfirmed(_ context.Context, id int64, remoteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	if m.markErr != nil {
		return false, m.markErr
	}
	r, ok := m.records[id]
	if !ok || r.Confirmed {
		return false, nil
	}
	r.Confirmed = true
	if remoteID != "" {
		r.RemoteID = remoteID
	}
	return true, nil
}

func (m *mockStore) MergeFromRemote(_ context.Context, rec *model.Record) (state.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mergeErr != nil {
		return 0, m.mergeErr
	}
	for _, r := range m.records {
		if r.RemoteID != "" && r.RemoteID == rec.RemoteID {
			if rec.RemoteModified <= r.RemoteModified {
				return state.MergeUnchanged, nil
			}
			id := r.ID
			*r = *rec
			r.ID = id
			r.Confirmed = true
			return state.MergeUpdated, nil
		}
	}
	for _, r := range m.records {
		if r.OriginID == rec.OriginID {
			r.RemoteID = rec.RemoteID
			r.RemoteModified = rec.RemoteModified
			r.Confirmed = true
			return state.MergeLinked, nil
		}
	}
	m.nextID++
	cp := *rec
	cp.ID = m.nextID
	cp.Confirmed = true
	m.records[cp.ID] = &cp
	return state.MergeInserted, nil
}

func (m *mockStore) GetCursor(_ context.Context, c model.Collection) (model.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursorErr != nil {
		return model.Cursor{}, m.cursorErr
	}
	cur, ok := m.cursors[c]
	if !ok {
		return model.Cursor{Collection: c}, nil
	}
	return cur, nil
}

func (m *mockStore) SaveCursor(_ context.Context, cur model.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedCount++
	m.cursors[cur.Collection] = cur
	return nil
}

func (m *mockStore) Cursors(_ context.Context) ([]model.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Cursor
	for _, c := range m.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out, nil
}

// InTx runs fn against the store and restores the previous contents when fn
// fails.
func (m *mockStore) InTx(ctx context.Context, fn func(state.Tx) error) error {
	m.mu.Lock()
	records := make(map[int64]*model.Record, len(m.records))
	for id, r := range m.records {
		cp := *r
		records[id] = &cp
	}
	cursors := make(map[model.Collection]model.Cursor, len(m.cursors))
	for c, cur := range m.cursors {
		cursors[c] = cur
	}
	m.mu.Unlock()

	if err := fn(&mockTx{m: m}); err != nil {
		m.mu.Lock()
		m.records = records
		m.cursors = cursors
		m.mu.Unlock()
		return err
	}
	return nil
}

type mockTx struct {
	m *mockStore
}

func (t *mockTx) ClearTrackedChanges(_ context.Context, olderThanDays int, alsoDelete bool) (state.CleanupSummary, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var sum state.CleanupSummary
	if alsoDelete {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for id, r := range t.m.records {
			if r.Timestamp.Before(cutoff) {
				delete(t.m.records, id)
				sum.Deleted++
			}
		}
	}
	for _, r := range t.m.records {
		if r.Confirmed && r.Kind != model.KindDeviceStatus {
			r.Confirmed = false
			sum.Reopened++
		}
	}
	return sum, nil
}

func (t *mockTx) ResetCursor(_ context.Context, c model.Collection) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.resetErr != nil {
		return t.m.resetErr
	}
	t.m.cursors[c] = model.Cursor{Collection: c}
	return nil
}

// --- Mock Remote Client ------------------------------------------------------

type fetchCall struct {
	collection model.Collection
	since      int64
	limit      int
}

type mockRemote struct {
	mu sync.Mutex

	conn         model.ConnectionState
	connAfter    *model.ConnectionState // state after a successful refresh
	refreshErr   error
	refreshCalls int
	statusCalls  int

	// pushFn decides the outcome of every push. Nil confirms.
	pushFn func(rec *model.Record) (model.DeliveryOutcome, error)
	pushed []int64

	// history holds documents per collection; FetchSince returns those
	// modified after since, oldest first.
	history  map[model.Collection][]*model.Record
	failures map[model.Collection][]model.DecodeFailure
	fetchErr map[model.Collection]error
	fetches  []fetchCall

	lastModified map[model.Collection]int64
	lmErr        error
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		conn:     model.ConnectionState{Reachable: true, Authenticated: true, WritePermitted: true},
		history:  make(map[model.Collection][]*model.Record),
		failures: make(map[model.Collection][]model.DecodeFailure),
		fetchErr: make(map[model.Collection]error),
	}
}

// addDoc makes a remote document available for download.
func (m *mockRemote) addDoc(c model.Collection, remoteID string, modified int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kind := model.KindGlucoseValue
	var payload model.Payload = &model.GlucoseValue{Value: 120}
	switch c {
	case model.CollectionTreatments:
		kind, payload = model.KindCarbs, &model.Carbs{Carbs: 20}
	case model.CollectionFood:
		kind, payload = model.KindFood, &model.Food{Name: "Apple"}
	case model.CollectionDeviceStatus:
		kind, payload = model.KindDeviceStatus, &model.DeviceStatus{Device: "rig"}
	}
	m.history[c] = append(m.history[c], &model.Record{
		OriginID:       remoteID,
		RemoteID:       remoteID,
		Kind:           kind,
		Timestamp:      time.UnixMilli(modified).UTC(),
		CreatedAt:      time.UnixMilli(modified).UTC(),
		RemoteModified: modified,
		Confirmed:      true,
		Valid:          true,
		Payload:        payload,
	})
}

func (m *mockRemote) batch(c model.Collection, docs []*model.Record) *model.Batch {
	b := &model.Batch{Size: len(docs)}
	for _, d := range docs {
		cp := *d
		b.Records = append(b.Records, &cp)
		b.MaxModified = max(b.MaxModified, d.RemoteModified)
	}
	b.Failures = m.failures[c]
	b.Size += len(b.Failures)
	return b
}

func (m *mockRemote) FetchSince(_ context.Context, c model.Collection, sinceMs int64, limit int) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, fetchCall{collection: c, since: sinceMs, limit: limit})
	if err := m.fetchErr[c]; err != nil {
		return nil, err
	}
	var docs []*model.Record
	for _, d := range m.history[c] {
		if d.RemoteModified > sinceMs {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].RemoteModified < docs[j].RemoteModified })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return m.batch(c, docs), nil
}

func (m *mockRemote) FetchAll(_ context.Context, c model.Collection, limit int) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, fetchCall{collection: c, since: -1, limit: limit})
	if err := m.fetchErr[c]; err != nil {
		return nil, err
	}
	docs := m.history[c]
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return m.batch(c, docs), nil
}

func (m *mockRemote) Push(_ context.Context, rec *model.Record) (model.DeliveryOutcome, error) {
	m.mu.Lock()
	m.pushed = append(m.pushed, rec.ID)
	fn := m.pushFn
	m.mu.Unlock()

	if fn != nil {
		return fn(rec)
	}
	return model.DeliveryOutcome{
		RecordID: rec.ID,
		Kind:     rec.Kind,
		Outcome:  model.OutcomeConfirmed,
		RemoteID: "r-" + rec.OriginID,
	}, nil
}

func (m *mockRemote) Status(_ context.Context) (model.ConnectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if !m.conn.Reachable {
		return m.conn, fmt.Errorf("dial: %w", remote.ErrTransport)
	}
	return m.conn, nil
}

func (m *mockRemote) LastModified(_ context.Context) (map[model.Collection]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lmErr != nil {
		return nil, m.lmErr
	}
	return m.lastModified, nil
}

func (m *mockRemote) RefreshToken(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if m.refreshErr != nil {
		return m.refreshErr
	}
	if m.connAfter != nil {
		m.conn = *m.connAfter
	}
	return nil
}

func (m *mockRemote) URL() string { return "https://ns.example.com" }

func (m *mockRemote) pushedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.pushed...)
}

func (m *mockRemote) fetchCalls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fetchCall(nil), m.fetches...)
}

func (m *mockRemote) refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}
