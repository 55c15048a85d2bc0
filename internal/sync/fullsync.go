package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/state"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
)

// FullSyncCoordinator resets local tracking state so that every record is
// uploaded again and every collection is downloaded from the beginning.
type FullSyncCoordinator struct {
	store         LocalStore
	status        *status.Repository
	log           *slog.Logger
	retentionDays int
	purge         bool

	// pending is in memory only; a restart forgets it.
	pending atomic.Bool
}

// NewFullSyncCoordinator creates a FullSyncCoordinator. When purge is set,
// records older than retentionDays are deleted during the reset.
func NewFullSyncCoordinator(store LocalStore, repo *status.Repository, logger *slog.Logger, retentionDays int, purge bool) *FullSyncCoordinator {
	return &FullSyncCoordinator{
		store:         store,
		status:        repo,
		log:           logger,
		retentionDays: retentionDays,
		purge:         purge,
	}
}

// RequestFullSync resets tracking state in one transaction. It returns false
// without touching the store when a full sync is already pending. On error
// nothing is reset and the pending flag is cleared again.
func (f *FullSyncCoordinator) RequestFullSync(ctx context.Context) (bool, error) {
	if !f.pending.CompareAndSwap(false, true) {
		f.log.Info("full sync already pending")
		return false, nil
	}

	var summary state.CleanupSummary
	err := f.store.InTx(ctx, func(tx state.Tx) error {
		var err error
		summary, err = tx.ClearTrackedChanges(ctx, f.retentionDays, f.purge)
		if err != nil {
			return fmt.Errorf("clearing tracked changes: %w", err)
		}
		for _, c := range model.Collections() {
			if err := tx.ResetCursor(ctx, c); err != nil {
				return fmt.Errorf("resetting %s cursor: %w", c, err)
			}
		}
		return nil
	})
	if err != nil {
		f.pending.Store(false)
		f.status.Log(status.ActionError, "full sync failed", err.Error())
		f.status.SetLastError(err.Error())
		return false, fmt.Errorf("full sync: %w", err)
	}

	f.status.Log(status.ActionFullSync, "tracking state reset",
		fmt.Sprintf("reopened=%d deleted=%d changes=%d", summary.Reopened, summary.Deleted, summary.ChangesCleared))
	f.log.Info("full sync requested",
		"reopened", summary.Reopened,
		"deleted", summary.Deleted,
		"changes_cleared", summary.ChangesCleared,
	)
	return true, nil
}

// Pending reports whether a full sync was requested and has not yet been
// picked up by an upload pass.
func (f *FullSyncCoordinator) Pending() bool {
	return f.pending.Load()
}

// ResumeUpload is called at the start of an upload pass. It clears the
// pending flag.
func (f *FullSyncCoordinator) ResumeUpload() {
	if f.pending.CompareAndSwap(true, false) {
		f.status.Log(status.ActionFullSync, "full sync finished", "")
	}
}

// --- Confirmation ------------------------------------------------------------

// FullSyncPlan describes what a full sync would reset.
type FullSyncPlan struct {
	Kinds         map[model.Kind]state.KindCount
	Cursors       []model.Cursor
	RetentionDays int
	Purge         bool
}

// Plan reads the current store state for the confirmation summary.
func (f *FullSyncCoordinator) Plan(ctx context.Context) (FullSyncPlan, error) {
	kinds, err := f.store.CountByKind(ctx)
	if err != nil {
		return FullSyncPlan{}, fmt.Errorf("counting records: %w", err)
	}
	cursors, err := f.store.Cursors(ctx)
	if err != nil {
		return FullSyncPlan{}, fmt.Errorf("reading cursors: %w", err)
	}
	return FullSyncPlan{Kinds: kinds, Cursors: cursors, RetentionDays: f.retentionDays, Purge: f.purge}, nil
}

// PrintPlan writes a human-readable summary of p.
func PrintPlan(w io.Writer, p FullSyncPlan) {
	_, _ = fmt.Fprintf(w, "\n--- Full Sync Summary ---\n\n")

	reopen := 0
	uploadable := len(model.UploadKinds())
	kinds := make([]model.Kind, 0, len(p.Kinds))
	for k := range p.Kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	_, _ = fmt.Fprintln(w, "Records:")
	for _, k := range kinds {
		c := p.Kinds[k]
		_, _ = fmt.Fprintf(w, "  %-26s %6d total, %6d unconfirmed\n", k, c.Total, c.Unconfirmed)
		if k.Rank() < uploadable {
			reopen += c.Total - c.Unconfirmed
		}
	}

	if len(p.Cursors) > 0 {
		_, _ = fmt.Fprintln(w, "Download positions to reset:")
		for _, c := range p.Cursors {
			_, _ = fmt.Fprintf(w, "  %-26s watermark %d\n", c.Collection, c.Watermark)
		}
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "Up to %d confirmed records will be uploaded again.\n", reopen)
	if p.Purge {
		_, _ = fmt.Fprintf(w, "Records older than %d days will be deleted.\n", p.RetentionDays)
	}
}

// Confirm reads a y/n response from r after writing the prompt to w.
func Confirm(r io.Reader, w io.Writer) bool {
	_, _ = fmt.Fprintf(w, "Proceed with full sync? [y/N] ")
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}
