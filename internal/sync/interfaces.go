// Package sync moves records between the local store and the remote data
// service.
//
// The package contains these components:
//
//   - [Uploader] pushes unconfirmed local records, oldest first.
//   - [AckProcessor] applies remote acknowledgments and wakes the uploader.
//   - [HistoryLoader], [FetchAllLoader] and [HeartbeatLoader] download
//     remote changes into the local store.
//   - [FullSyncCoordinator] resets tracking state for a full resync.
//   - [Scheduler] runs all of the above on a timer and on demand.
package sync

import (
	"context"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/state"
)

// RemoteClient provides access to the remote data service.
// Implemented by [remote.Client].
type RemoteClient interface {
	FetchSince(ctx context.Context, collection model.Collection, sinceMs int64, limit int) (*model.Batch, error)
	FetchAll(ctx context.Context, collection model.Collection, limit int) (*model.Batch, error)
	Push(ctx context.Context, rec *model.Record) (model.DeliveryOutcome, error)
	Status(ctx context.Context) (model.ConnectionState, error)
	LastModified(ctx context.Context) (map[model.Collection]int64, error)
	RefreshToken(ctx context.Context) error
	URL() string
}

// FeedListener is implemented by remote clients that offer a live change
// feed. The [Scheduler] uses it when live updates are enabled.
type FeedListener interface {
	Listen(ctx context.Context, onChange func(model.Collection), onReconnect func()) error
}

// LocalStore provides access to the local record database.
// Implemented by [state.Store].
type LocalStore interface {
	Unconfirmed(ctx context.Context, kind model.Kind, limit int) ([]*model.Record, error)
	CountUnconfirmed(ctx context.Context) (int, error)
	CountByKind(ctx context.Context) (map[model.Kind]state.KindCount, error)
	MarkConfirmed(ctx context.Context, id int64, remoteID string) (bool, error)
	MergeFromRemote(ctx context.Context, rec *model.Record) (state.MergeResult, error)
	GetCursor(ctx context.Context, c model.Collection) (model.Cursor, error)
	SaveCursor(ctx context.Context, cur model.Cursor) error
	Cursors(ctx context.Context) ([]model.Cursor, error)
	InTx(ctx context.Context, fn func(state.Tx) error) error
}
