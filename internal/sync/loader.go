package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/state"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

// LoadResult tallies one loader pass.
type LoadResult struct {
	Collection model.Collection

	// Skipped is true when the pass did not contact the remote.
	Skipped bool

	Fetched   int
	Inserted  int
	Updated   int
	Linked    int
	Unchanged int
	Malformed int

	Watermark int64
}

// Merged is the number of records that changed the local store.
func (r LoadResult) Merged() int {
	return r.Inserted + r.Updated + r.Linked
}

func (r LoadResult) String() string {
	if r.Skipped {
		return fmt.Sprintf("%s skipped", r.Collection)
	}
	return fmt.Sprintf("%s: %d fetched, %d new, %d updated, %d linked, %d malformed",
		r.Collection, r.Fetched, r.Inserted, r.Updated, r.Linked, r.Malformed)
}

// Loader downloads one remote collection into the local store.
type Loader interface {
	Collection() model.Collection
	Load(ctx context.Context) (LoadResult, error)
}

// Heartbeat holds the remote's per-collection last-modified times from the
// most recent status check. History loaders use it to skip collections that
// did not change.
type Heartbeat struct {
	mu           sync.RWMutex
	lastModified map[model.Collection]int64
}

// Set replaces the known last-modified times.
func (h *Heartbeat) Set(lm map[model.Collection]int64) {
	cp := make(map[model.Collection]int64, len(lm))
	for k, v := range lm {
		cp[k] = v
	}
	h.mu.Lock()
	h.lastModified = cp
	h.mu.Unlock()
}

// Clear forgets the last-modified times so no collection is skipped.
func (h *Heartbeat) Clear() {
	h.mu.Lock()
	h.lastModified = nil
	h.mu.Unlock()
}

// Unchanged reports whether the remote says collection was not modified
// after watermark.
func (h *Heartbeat) Unchanged(collection model.Collection, watermark int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	lm, ok := h.lastModified[collection]
	return ok && lm > 0 && watermark > 0 && lm <= watermark
}

// mergeBatch merges every decoded record of b and logs malformed documents.
func mergeBatch(ctx context.Context, store LocalStore, repo *status.Repository, collection model.Collection, b *model.Batch, res *LoadResult) error {
	res.Fetched += b.Size
	for _, f := range b.Failures {
		res.Malformed++
		repo.Log(status.ActionSkip, fmt.Sprintf("malformed %s document %s", collection, f.Identifier), f.Err.Error())
	}
	for _, rec := range b.Records {
		m, err := store.MergeFromRemote(ctx, rec)
		if err != nil {
			return fmt.Errorf("merging %s: %w", rec.RemoteID, err)
		}
		switch m {
		case state.MergeInserted:
			res.Inserted++
		case state.MergeUpdated:
			res.Updated++
		case state.MergeLinked:
			res.Linked++
		case state.MergeUnchanged:
			res.Unchanged++
		}
	}
	return nil
}

// --- History loader ----------------------------------------------------------

// HistoryLoader downloads a modification-tracked collection incrementally,
// starting from the collection's watermark.
type HistoryLoader struct {
	collection model.Collection
	remote     RemoteClient
	store      LocalStore
	status     *status.Repository
	beat       *Heartbeat
	log        *slog.Logger
	pageSize   int
	overlap    time.Duration
	now        func() time.Time
}

// NewHistoryLoader creates a HistoryLoader. overlap re-reads that much
// history before the watermark on every pass. beat may be nil.
func NewHistoryLoader(collection model.Collection, rc RemoteClient, store LocalStore, repo *status.Repository, beat *Heartbeat, logger *slog.Logger, pageSize int, overlap time.Duration) *HistoryLoader {
	return &HistoryLoader{
		collection: collection,
		remote:     rc,
		store:      store,
		status:     repo,
		beat:       beat,
		log:        logger.With("collection", collection),
		pageSize:   pageSize,
		overlap:    overlap,
		now:        time.Now,
	}
}

// Collection returns the collection this loader downloads.
func (l *HistoryLoader) Collection() model.Collection { return l.collection }

// Load runs one incremental pass and persists the advanced cursor. On error
// the cursor is left unchanged.
func (l *HistoryLoader) Load(ctx context.Context) (LoadResult, error) {
	cur, err := l.store.GetCursor(ctx, l.collection)
	if err != nil {
		return LoadResult{Collection: l.collection}, fmt.Errorf("reading %s cursor: %w", l.collection, err)
	}

	if l.beat != nil && l.beat.Unchanged(l.collection, cur.Watermark) {
		l.log.Debug("collection unchanged, skipping fetch", "watermark", cur.Watermark)
		return LoadResult{Collection: l.collection, Skipped: true, Watermark: cur.Watermark}, nil
	}

	next, res, err := l.load(ctx, cur)
	if err != nil {
		return res, err
	}
	if err := l.store.SaveCursor(ctx, next); err != nil {
		return res, fmt.Errorf("saving %s cursor: %w", l.collection, err)
	}
	return res, nil
}

// LoadSince fetches and merges everything modified at or after cur's
// watermark (less the overlap) and returns the advanced cursor with the number of
// records that changed the local store. The cursor is not persisted.
func (l *HistoryLoader) LoadSince(ctx context.Context, cur model.Cursor) (model.Cursor, int, error) {
	next, res, err := l.load(ctx, cur)
	return next, res.Merged(), err
}

func (l *HistoryLoader) load(ctx context.Context, cur model.Cursor) (model.Cursor, LoadResult, error) {
	res := LoadResult{Collection: l.collection}
	next := cur
	next.Collection = l.collection

	since := fetchFrom(cur.Watermark - l.overlap.Milliseconds())
	for {
		b, err := l.remote.FetchSince(ctx, l.collection, since, l.pageSize)
		if err != nil {
			return cur, res, fmt.Errorf("fetching %s since %d: %w", l.collection, since, err)
		}
		if err := mergeBatch(ctx, l.store, l.status, l.collection, b, &res); err != nil {
			return cur, res, err
		}
		next.Watermark = max(next.Watermark, b.MaxModified)

		// A short page is the last one. The next page starts at the last
		// modification time seen, so documents sharing it with the end of
		// this page are read again rather than missed. A full page that
		// cannot move forward would repeat forever.
		if b.Size < l.pageSize {
			break
		}
		from := fetchFrom(b.MaxModified)
		if from <= since {
			l.log.Warn("full page shares one modification time, stopping", "since", since, "page_size", l.pageSize)
			break
		}
		since = from
	}

	next.UpdatedAt = l.now().UTC()
	res.Watermark = next.Watermark
	l.log.Debug("history pass complete", "fetched", res.Fetched, "merged", res.Merged(), "watermark", next.Watermark)
	return next, res, nil
}

// fetchFrom converts a modification time into the exclusive lower bound
// the history endpoint expects, so documents modified exactly at ms are
// included.
func fetchFrom(ms int64) int64 {
	return max(0, ms-1)
}

// --- Fetch-all loader --------------------------------------------------------

// FetchAllLoader downloads a collection that has no modification history by
// fetching it in full every few passes.
type FetchAllLoader struct {
	collection model.Collection
	remote     RemoteClient
	store      LocalStore
	status     *status.Repository
	log        *slog.Logger
	limit      int
	every      int
	now        func() time.Time
}

// NewFetchAllLoader creates a FetchAllLoader that reloads the collection on
// every everyth pass, starting with the first.
func NewFetchAllLoader(collection model.Collection, rc RemoteClient, store LocalStore, repo *status.Repository, logger *slog.Logger, limit, every int) *FetchAllLoader {
	if every <= 0 {
		every = 1
	}
	return &FetchAllLoader{
		collection: collection,
		remote:     rc,
		store:      store,
		status:     repo,
		log:        logger.With("collection", collection),
		limit:      limit,
		every:      every,
		now:        time.Now,
	}
}

// Collection returns the collection this loader downloads.
func (l *FetchAllLoader) Collection() model.Collection { return l.collection }

// Load fetches the collection when its attempt counter is a multiple of the
// reload interval and skips it otherwise. The counter advances on every
// successful pass.
func (l *FetchAllLoader) Load(ctx context.Context) (LoadResult, error) {
	res := LoadResult{Collection: l.collection}
	cur, err := l.store.GetCursor(ctx, l.collection)
	if err != nil {
		return res, fmt.Errorf("reading %s cursor: %w", l.collection, err)
	}
	cur.Collection = l.collection

	if cur.Attempts%l.every == 0 {
		b, err := l.remote.FetchAll(ctx, l.collection, l.limit)
		if err != nil {
			return res, fmt.Errorf("fetching all %s: %w", l.collection, err)
		}
		if err := mergeBatch(ctx, l.store, l.status, l.collection, b, &res); err != nil {
			return res, err
		}
		cur.Watermark = max(cur.Watermark, b.MaxModified)
	} else {
		res.Skipped = true
		l.status.Log(status.ActionSkip, fmt.Sprintf("%s skipped", l.collection),
			fmt.Sprintf("reload in %d passes", l.every-cur.Attempts%l.every))
	}

	cur.Attempts++
	cur.UpdatedAt = l.now().UTC()
	if err := l.store.SaveCursor(ctx, cur); err != nil {
		return res, fmt.Errorf("saving %s cursor: %w", l.collection, err)
	}
	res.Watermark = cur.Watermark
	return res, nil
}

// --- Heartbeat loader --------------------------------------------------------

// HeartbeatLoader reads the remote's per-collection last-modified times and
// publishes them to the history loaders through a shared [Heartbeat].
type HeartbeatLoader struct {
	remote RemoteClient
	store  LocalStore
	status *status.Repository
	beat   *Heartbeat
	log    *slog.Logger
	now    func() time.Time
}

// NewHeartbeatLoader creates a HeartbeatLoader.
func NewHeartbeatLoader(rc RemoteClient, store LocalStore, repo *status.Repository, beat *Heartbeat, logger *slog.Logger) *HeartbeatLoader {
	return &HeartbeatLoader{
		remote: rc,
		store:  store,
		status: repo,
		beat:   beat,
		log:    logger.With("collection", model.CollectionStatus),
		now:    time.Now,
	}
}

// Collection returns [model.CollectionStatus].
func (l *HeartbeatLoader) Collection() model.Collection { return model.CollectionStatus }

// Load fetches the last-modified times. On failure the heartbeat is cleared
// so the history loaders fetch unconditionally.
func (l *HeartbeatLoader) Load(ctx context.Context) (LoadResult, error) {
	res := LoadResult{Collection: model.CollectionStatus}
	l.status.SetURL(l.remote.URL())

	lm, err := l.remote.LastModified(ctx)
	if err != nil {
		l.beat.Clear()
		return res, fmt.Errorf("reading last modified: %w", err)
	}
	l.beat.Set(lm)

	cur := model.Cursor{Collection: model.CollectionStatus, UpdatedAt: l.now().UTC()}
	for _, v := range lm {
		cur.Watermark = max(cur.Watermark, v)
	}
	if err := l.store.SaveCursor(ctx, cur); err != nil {
		return res, fmt.Errorf("saving status cursor: %w", err)
	}
	res.Fetched = len(lm)
	res.Watermark = cur.Watermark
	return res, nil
}
