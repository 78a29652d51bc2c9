package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/thumbphoto/internal/graph"
	"github.com/tonimelisma/thumbphoto/internal/history"
)

// photoFilePerms is used for photos written by `get -o`.
const photoFilePerms = 0o644

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Download the current thumbnail photo",
		Long: "Download the signed-in user's thumbnail photo. The bytes are written\n" +
			"to the file given with -o, or to stdout when it is not a terminal.\n" +
			"A user with no photo is not an error.",
		Args: cobra.NoArgs,
		RunE: runGet,
	}

	cmd.Flags().StringP("output", "o", "", "write the photo to this file")

	return cmd
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Replace the thumbnail photo with a local image",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}

	cmd.Flags().Bool("if-changed", false, "skip the upload when the current photo already has the same bytes")
	cmd.Flags().Bool("allow-empty", false, "allow uploading an empty file (same as delete)")

	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Clear the thumbnail photo",
		Args:  cobra.NoArgs,
		RunE:  runDelete,
	}
}

// getOutput is the JSON schema for `get --json`.
type getOutput struct {
	Present     bool   `json:"present"`
	Path        string `json:"path,omitempty"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}

func runGet(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	outPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	// Checked before any network traffic.
	if outPath == "" {
		if cc.Flags.JSON {
			return errors.New("--json needs -o: stdout carries the photo bytes otherwise")
		}

		if isTerminal(cmd.OutOrStdout()) {
			return errors.New("refusing to write image data to a terminal; use -o FILE or redirect stdout")
		}
	}

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	started := time.Now()

	photo, err := s.photos.Get(ctx)
	if err != nil {
		s.record(ctx, failedEntry(history.KindGet, started, err))
		return fmt.Errorf("fetching photo: %w", err)
	}

	if photo == nil {
		s.record(ctx, history.Entry{
			Kind: history.KindGet, Outcome: history.OutcomeAbsent,
			HTTPStatus: 404, StartedAt: started,
		})

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), getOutput{Present: false})
		}

		cc.Statusf("No photo set.\n")

		return nil
	}

	sum := hashPhoto(photo.Data)

	if outPath == "" {
		if _, err := cmd.OutOrStdout().Write(photo.Data); err != nil {
			return fmt.Errorf("writing photo to stdout: %w", err)
		}
	} else if err := writeFileAtomic(outPath, photo.Data); err != nil {
		return err
	}

	s.record(ctx, history.Entry{
		Kind: history.KindGet, Outcome: history.OutcomeSuccess, HTTPStatus: 200,
		Size: int64(len(photo.Data)), SHA256: sum, StartedAt: started,
	})

	cc.Logger.Debug("photo downloaded",
		slog.Int("bytes", len(photo.Data)),
		slog.String("content_type", photo.ContentType),
	)

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), getOutput{
			Present: true, Path: outPath, Size: len(photo.Data),
			ContentType: photo.ContentType, SHA256: sum,
		})
	}

	if outPath != "" {
		cc.Statusf("Downloaded %s (%s)\n", outPath, formatSize(int64(len(photo.Data))))
	}

	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)
	localPath := args[0]

	ifChanged, err := cmd.Flags().GetBool("if-changed")
	if err != nil {
		return err
	}

	allowEmpty, err := cmd.Flags().GetBool("allow-empty")
	if err != nil {
		return err
	}

	data, err := readPhotoFile(localPath, allowEmpty)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	started := time.Now()
	sum := hashPhoto(data)

	if ifChanged {
		current, err := s.photos.Get(ctx)
		if err != nil {
			s.record(ctx, uploadFailedEntry(started, data, sum, err))
			return fmt.Errorf("fetching current photo: %w", err)
		}

		if photoMatches(current, data) {
			s.record(ctx, history.Entry{
				Kind: history.KindUpload, Outcome: history.OutcomeSkipped,
				Size: int64(len(data)), SHA256: sum, StartedAt: started,
			})
			cc.Statusf("Photo unchanged, nothing to upload.\n")

			return nil
		}
	}

	cc.Logger.Debug("upload",
		slog.String("local_path", localPath),
		slog.Int("bytes", len(data)),
	)

	if err := s.photos.Upload(ctx, data); err != nil {
		s.record(ctx, uploadFailedEntry(started, data, sum, err))
		return fmt.Errorf("uploading %s: %w", localPath, err)
	}

	s.record(ctx, history.Entry{
		Kind: history.KindUpload, Outcome: history.OutcomeSuccess,
		Size: int64(len(data)), SHA256: sum, StartedAt: started,
	})

	cc.Statusf("Uploaded %s (%s)\n", localPath, formatSize(int64(len(data))))

	return nil
}

func runDelete(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	started := time.Now()

	if err := s.photos.Delete(ctx); err != nil {
		s.record(ctx, failedEntry(history.KindDelete, started, err))
		return fmt.Errorf("deleting photo: %w", err)
	}

	s.record(ctx, history.Entry{
		Kind: history.KindDelete, Outcome: history.OutcomeSuccess, StartedAt: started,
	})

	cc.Statusf("Photo deleted.\n")

	return nil
}

// readPhotoFile reads a local image for upload. Empty files are rejected
// unless allowEmpty is set, since an empty body clears the photo.
func readPhotoFile(path string, allowEmpty bool) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return nil, fmt.Errorf("%q is a directory, not a file", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if len(data) == 0 && !allowEmpty {
		return nil, fmt.Errorf("%s is empty; use 'thumbphoto delete' to clear the photo, or --allow-empty", path)
	}

	return data, nil
}

// photoMatches reports whether the remote photo already holds data. An
// absent photo matches only empty data.
func photoMatches(current *graph.Photo, data []byte) bool {
	if current == nil {
		return len(data) == 0
	}

	return bytes.Equal(current.Data, data)
}

// hashPhoto returns the hex SHA-256 of data, or "" for no data.
func hashPhoto(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// failedEntry builds the history entry for an operation that returned err.
func failedEntry(kind history.Kind, started time.Time, err error) history.Entry {
	msg := err.Error()
	if errors.Is(err, context.Canceled) {
		msg = "canceled"
	}

	return history.Entry{
		Kind:       kind,
		Outcome:    history.OutcomeFailed,
		HTTPStatus: httpStatusOf(err),
		Error:      msg,
		StartedAt:  started,
	}
}

// uploadFailedEntry is failedEntry for an upload, keeping what was about to
// be sent.
func uploadFailedEntry(started time.Time, data []byte, sum string, err error) history.Entry {
	e := failedEntry(history.KindUpload, started, err)
	e.Size = int64(len(data))
	e.SHA256 = sum

	return e
}

// writeFileAtomic writes data next to path and renames it into place, so a
// failed download never leaves a truncated image behind.
func writeFileAtomic(path string, data []byte) error {
	partialPath := path + ".partial"

	if err := os.WriteFile(partialPath, data, photoFilePerms); err != nil {
		return fmt.Errorf("writing %s: %w", partialPath, err)
	}

	if err := os.Rename(partialPath, path); err != nil {
		_ = os.Remove(partialPath)
		return fmt.Errorf("renaming download to %q: %w", path, err)
	}

	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
