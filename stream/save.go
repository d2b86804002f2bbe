package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Saver materializes a stream's full true plaintext (no served padding) into
// a single file, exactly once. Concurrent triggers collapse into one writer;
// every caller observes the same completion signal. Visibility is atomic:
// the plaintext is written to a temp file, flushed, closed, and renamed.
type Saver struct {
	desc  *Descriptor
	fetch Fetcher
	path  string

	trigger chan struct{} // closed-once guard, buffered size 1
	done    chan struct{}
	err     error
}

// NewSaver prepares a materialization of desc into dir/fileName.
// Nothing is written until Save is called.
func NewSaver(desc *Descriptor, fetch Fetcher, dir, fileName string) *Saver {
	s := &Saver{
		desc:    desc,
		fetch:   fetch,
		path:    filepath.Join(dir, fileName),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.trigger <- struct{}{}
	return s
}

// FullPath returns the materialization target path.
func (s *Saver) FullPath() string { return s.path }

// Save triggers materialization. The first caller starts the write; later
// callers are no-ops that may wait on Done. If the target file already
// exists and is complete, no write happens at all.
func (s *Saver) Save(ctx context.Context) {
	select {
	case <-s.trigger:
	default:
		return // already triggered
	}

	if info, err := os.Stat(s.path); err == nil && info.Size() == s.desc.TotalSize() {
		s.finish(nil)
		return
	}

	go s.run(ctx)
}

// MarkComplete records that the file already exists on disk, making Done
// observable without any write. Used during restart reconciliation.
func (s *Saver) MarkComplete() {
	select {
	case <-s.trigger:
		s.finish(nil)
	default:
	}
}

// Done is closed once materialization has finished (or failed); check Err
// afterwards. The signal fires only after the file is flushed, closed, and
// renamed into place.
func (s *Saver) Done() <-chan struct{} { return s.done }

// Err returns the materialization outcome; valid after Done is closed.
func (s *Saver) Err() error { return s.err }

// Wait blocks until materialization completes or ctx is cancelled.
func (s *Saver) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Saver) finish(err error) {
	s.err = err
	close(s.done)
}

func (s *Saver) run(ctx context.Context) {
	s.finish(s.write(ctx))
}

func (s *Saver) write(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("stream: create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".save-*")
	if err != nil {
		return fmt.Errorf("stream: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	r, err := NewReader(ctx, s.desc, s.fetch, 0, s.desc.TotalSize())
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stream: write plaintext: %w", err)
	}

	// The reader only observes ctx between blob loads, so a short or empty
	// stream can finish the copy with ctx already cancelled. Never rename a
	// file into place for a cancelled save.
	if err := ctx.Err(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stream: save cancelled: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stream: sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stream: close file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("stream: rename into place: %w", err)
	}
	return nil
}
