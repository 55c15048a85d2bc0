package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and local sync state",
		Long: `Show configuration and local sync state.

Examples:
  nssync status            # local state only
  nssync status --check    # also contact the remote`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.printStatus(cmd.Context(), cmd.OutOrStdout(), check)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "authenticate against the remote and report its state")
	return cmd
}

// printStatus writes the config summary, per-kind counts and cursors.
func (rt *runtime) printStatus(ctx context.Context, w io.Writer, check bool) error {
	fmt.Fprintln(w, "nssync status")
	fmt.Fprintln(w)

	// Config.
	fmt.Fprintf(w, "  Remote:    %s\n", rt.client.URL())
	fmt.Fprintf(w, "  Poll:      %s\n", rt.cfg.PollInterval)
	fmt.Fprintf(w, "  Live feed: %v\n", rt.cfg.LiveUpdatesEnabled())

	// State DB.
	if info, err := os.Stat(rt.cfg.StatePath); err == nil {
		fmt.Fprintf(w, "  State DB:  %s (%s)\n", rt.cfg.StatePath, humanSize(info.Size()))
	} else {
		fmt.Fprintf(w, "  State DB:  %s (not found)\n", rt.cfg.StatePath)
	}

	if check {
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := rt.client.RefreshToken(checkCtx); err != nil {
			fmt.Fprintf(w, "  Auth:      failed (%v)\n", err)
		}
		conn, err := rt.client.Status(checkCtx)
		switch {
		case err != nil:
			fmt.Fprintf(w, "  Server:    %v\n", err)
		case conn.CanUpload():
			fmt.Fprintf(w, "  Server:    %s, read-write\n", conn.ServerVersion)
		default:
			fmt.Fprintf(w, "  Server:    %s, %s\n", conn.ServerVersion, conn.Reason())
		}
	}
	fmt.Fprintln(w)

	counts, err := rt.store.CountByKind(ctx)
	if err != nil {
		return fmt.Errorf("counting records: %w", err)
	}
	renderCounts(w, counts)
	fmt.Fprintln(w)

	cursors, err := rt.store.Cursors(ctx)
	if err != nil {
		return fmt.Errorf("reading cursors: %w", err)
	}
	renderCursors(w, cursors)
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
