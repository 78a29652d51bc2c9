// Package watch uploads a local image whenever its content changes.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Defaults.
const (
	DefaultDebounce = 500 * time.Millisecond

	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
)

// Uploader sends photo bytes. graph.PhotoClient implements it.
type Uploader interface {
	Upload(ctx context.Context, data []byte) error
}

// FsWatcher abstracts fsnotify.Watcher for testing.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// NewFsWatcher returns an FsWatcher backed by fsnotify.
func NewFsWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating watcher: %w", err)
	}

	return fsnotifyWatcher{w: w}, nil
}

// Result reports one change check.
type Result struct {
	Hash    string // hex SHA-256 of the file content
	Size    int
	Skipped bool   // content matched the last upload
	Reason  string // why a check was skipped without hashing (e.g. empty file)
	Err     error
}

// Options configures a Watcher.
type Options struct {
	Path     string
	Debounce time.Duration

	// LastHash seeds the dirty check, e.g. from the history of uploads.
	LastHash string

	// OnResult is called after every check, from the upload goroutine.
	OnResult func(Result)

	// NewWatcher overrides the fsnotify watcher (tests).
	NewWatcher func() (FsWatcher, error)
}

// Watcher watches one file and uploads it when its content changes. The
// last uploaded hash acts as a dirty flag: saves that leave the bytes
// unchanged do not upload.
type Watcher struct {
	opts     Options
	uploader Uploader
	logger   *slog.Logger

	lastHash string
}

// New creates a Watcher for opts.Path.
func New(uploader Uploader, opts Options, logger *slog.Logger) (*Watcher, error) {
	if opts.Path == "" {
		return nil, errors.New("watch: no file to watch")
	}

	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolving %s: %w", opts.Path, err)
	}

	opts.Path = abs

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.NewWatcher == nil {
		opts.NewWatcher = NewFsWatcher
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{opts: opts, uploader: uploader, logger: logger, lastHash: opts.LastHash}, nil
}

// Run checks the file once, then watches it until ctx is canceled. The
// parent directory is watched so editors that save by rename are seen.
// Returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := w.opts.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.opts.Path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch: watching %s: %w", dir, err)
	}

	w.logger.Info("watching photo file",
		slog.String("path", w.opts.Path),
		slog.Duration("debounce", w.opts.Debounce),
	)

	changed := make(chan struct{}, 1)
	changed <- struct{}{} // initial check

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.eventLoop(gctx, fw, changed)
	})

	g.Go(func() error {
		w.uploadLoop(gctx, changed)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// eventLoop forwards events for the watched file to changed.
func (w *Watcher) eventLoop(ctx context.Context, fw FsWatcher, changed chan<- struct{}) error {
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events():
			if !ok {
				return errors.New("watch: event channel closed")
			}

			if filepath.Clean(ev.Name) != w.opts.Path {
				continue
			}

			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug("photo file event", slog.String("op", ev.Op.String()))

			select {
			case changed <- struct{}{}:
			default:
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-fw.Errors():
			if !ok {
				return errors.New("watch: error channel closed")
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := timeSleep(ctx, errBackoff); sleepErr != nil {
				return sleepErr
			}

			errBackoff = min(errBackoff*2, watchErrMaxBackoff)
		}
	}
}

// uploadLoop debounces change signals and runs one check per quiet period.
func (w *Watcher) uploadLoop(ctx context.Context, changed <-chan struct{}) {
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop() // start idle
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-changed:
			timer.Reset(w.opts.Debounce)

		case <-timer.C:
			res := w.check(ctx)
			if w.opts.OnResult != nil {
				w.opts.OnResult(res)
			}
		}
	}
}

// check reads the file and uploads it when its hash differs from the last
// upload. Upload failures are reported, not fatal; the next change retries.
func (w *Watcher) check(ctx context.Context) Result {
	data, err := os.ReadFile(w.opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		w.logger.Debug("photo file missing, waiting", slog.String("path", w.opts.Path))
		return Result{Skipped: true, Reason: "file missing"}
	}

	if err != nil {
		w.logger.Warn("reading photo file", slog.String("error", err.Error()))
		return Result{Err: fmt.Errorf("watch: reading %s: %w", w.opts.Path, err)}
	}

	if len(data) == 0 {
		// Editors truncate before writing; wait for content.
		return Result{Skipped: true, Reason: "file empty"}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if hash == w.lastHash {
		w.logger.Debug("photo unchanged, skipping upload", slog.String("sha256", hash))
		return Result{Hash: hash, Size: len(data), Skipped: true}
	}

	if err := w.uploader.Upload(ctx, data); err != nil {
		w.logger.Warn("photo upload failed",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)

		return Result{Hash: hash, Size: len(data), Err: err}
	}

	w.lastHash = hash

	w.logger.Info("uploaded photo",
		slog.Int("bytes", len(data)),
		slog.String("sha256", hash),
	)

	return Result{Hash: hash, Size: len(data)}
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
