package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/slewanld/AndroidAPS-sub001/internal/model"
	"github.com/slewanld/AndroidAPS-sub001/internal/state"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
	syncp "github.com/slewanld/AndroidAPS-sub001/internal/sync"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// renderCounts prints the number of stored and unconfirmed records per kind.
func renderCounts(w io.Writer, counts map[model.Kind]state.KindCount) {
	kinds := make([]model.Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	t := newTable(w, "Records")
	t.AppendHeader(table.Row{"Kind", "Total", "Unconfirmed"})
	var total, pending int
	for _, k := range kinds {
		c := counts[k]
		t.AppendRow(table.Row{k, c.Total, c.Unconfirmed})
		total += c.Total
		pending += c.Unconfirmed
	}
	t.AppendFooter(table.Row{"all", total, pending})
	t.Render()
}

// renderCursors prints the download position of each collection.
func renderCursors(w io.Writer, cursors []model.Cursor) {
	t := newTable(w, "Collections")
	t.AppendHeader(table.Row{"Collection", "Watermark", "Attempts", "Updated"})
	for _, c := range cursors {
		t.AppendRow(table.Row{c.Collection, formatMillis(c.Watermark), c.Attempts, formatTime(c.UpdatedAt)})
	}
	t.Render()
}

// renderTick prints the outcome of one sync pass.
func renderTick(w io.Writer, res syncp.TickResult) {
	fmt.Fprintf(w, "Session %s (%s)\n", res.Session, res.Trigger)
	if !res.Connection.CanUpload() {
		fmt.Fprintf(w, "Connection: %s\n", res.Connection.Reason())
	}

	up := newTable(w, "Upload")
	up.AppendHeader(table.Row{"Selected", "Pushed", "Confirmed", "Rejected", "Failed", "Timed out"})
	if res.Upload.Eligible {
		up.AppendRow(table.Row{res.Upload.Selected, res.Upload.Pushed, res.Upload.Confirmed,
			res.Upload.Rejected, res.Upload.Failed, res.Upload.TimedOut})
	} else {
		up.AppendRow(table.Row{"skipped: " + res.Upload.Reason})
	}
	up.Render()

	down := newTable(w, "Download")
	down.AppendHeader(table.Row{"Collection", "Fetched", "New", "Updated", "Linked", "Malformed", "Watermark"})
	for _, l := range res.Loads {
		if l.Skipped {
			down.AppendRow(table.Row{l.Collection, "skipped", "", "", "", "", formatMillis(l.Watermark)})
			continue
		}
		down.AppendRow(table.Row{l.Collection, l.Fetched, l.Inserted, l.Updated, l.Linked, l.Malformed, formatMillis(l.Watermark)})
	}
	down.Render()

	if len(res.Busy) > 0 {
		fmt.Fprintf(w, "Still running from a previous pass: %v\n", res.Busy)
	}
}

// renderLog prints the sync log, newest first.
func renderLog(w io.Writer, entries []status.Entry) {
	if len(entries) == 0 {
		return
	}
	t := newTable(w, "Sync log")
	t.AppendHeader(table.Row{"Time", "Action", "Detail"})
	for _, e := range entries {
		t.AppendRow(table.Row{e.Time.Local().Format("15:04:05"), e.Action, e.Detail})
	}
	t.Render()
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return formatTime(time.UnixMilli(ms))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
