package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/thumbphoto/internal/history"
	"github.com/tonimelisma/thumbphoto/internal/watch"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Upload a local image whenever its content changes",
		Long: "Watch a local image file and upload it as the thumbnail photo each time\n" +
			"its content changes. Saves that leave the bytes unchanged are skipped.\n" +
			"Runs until interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().Duration("debounce", watch.DefaultDebounce, "quiet period after a change before uploading")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	debounce, err := cmd.Flags().GetDuration("debounce")
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	// Sign in and resolve the principal up front, so failures surface
	// before the first change rather than inside the loop.
	p, err := s.resolveSelf(ctx)
	if err != nil {
		return fmt.Errorf("resolving principal: %w", err)
	}

	w, err := watch.New(s.photos, watch.Options{
		Path:     args[0],
		Debounce: debounce,
		LastHash: lastUploadedHash(ctx, s, p.UserPrincipalName),
		OnResult: func(res watch.Result) {
			reportWatchResult(ctx, cc, s, res)
		},
	}, cc.Logger)
	if err != nil {
		return err
	}

	cc.Statusf("Watching %s for changes (Ctrl-C to stop)...\n", args[0])

	if err := w.Run(ctx); err != nil {
		return err
	}

	cc.Statusf("Stopped.\n")

	return nil
}

// lastUploadedHash returns the hash of the newest recorded upload for
// principal, or "" when history has none.
func lastUploadedHash(ctx context.Context, s *session, principal string) string {
	if s.history == nil {
		return ""
	}

	e, ok, err := s.history.LastUpload(ctx, s.cc.Cfg.TenantID, principal)
	if err != nil {
		s.cc.Logger.Warn("reading upload history", slog.String("error", err.Error()))
		return ""
	}

	if !ok {
		return ""
	}

	return e.SHA256
}

// reportWatchResult prints and records one watch check. Checks that never
// reached the hashing stage are not operations and are not recorded.
func reportWatchResult(ctx context.Context, cc *CLIContext, s *session, res watch.Result) {
	switch {
	case res.Reason != "":
		return
	case res.Err != nil:
		if res.Hash == "" {
			// Local read failure; the uploader was never called.
			cc.Statusf("Could not read file: %v\n", res.Err)
			return
		}

		e := failedEntry(history.KindUpload, time.Time{}, res.Err)
		e.Size = int64(res.Size)
		e.SHA256 = res.Hash
		s.record(ctx, e)
		cc.Statusf("Upload failed: %v\n", friendlyError(res.Err))
	case res.Skipped:
		s.record(ctx, history.Entry{
			Kind: history.KindUpload, Outcome: history.OutcomeSkipped,
			Size: int64(res.Size), SHA256: res.Hash,
		})
	default:
		s.record(ctx, history.Entry{
			Kind: history.KindUpload, Outcome: history.OutcomeSuccess,
			Size: int64(res.Size), SHA256: res.Hash,
		})
		cc.Statusf("Uploaded %s\n", formatSize(int64(res.Size)))
	}
}
