// Package manager owns the lifecycle of active streams: tracking which blobs
// and materialized files exist on disk, enforcing at-most-one materialization
// per stream, and reconciling durable on-disk state with in-memory state
// across restarts.
package manager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blobstreamorg/libblobstream-go/blob"
	"github.com/blobstreamorg/libblobstream-go/stream"
)

// Status describes a stream's lifecycle state.
type Status int

const (
	StatusDownloading Status = iota
	StatusAvailable
	StatusFileSaved
)

func (s Status) String() string {
	switch s {
	case StatusDownloading:
		return "downloading"
	case StatusAvailable:
		return "available"
	case StatusFileSaved:
		return "file_saved"
	default:
		return "unknown"
	}
}

// Info is a point-in-time view of one managed stream. DownloadDirectory and
// FullPath are empty unless a materialization has been triggered.
type Info struct {
	SDHash            string
	Name              string
	Status            Status
	StreamingOnly     bool
	DownloadDirectory string
	FullPath          string
	BlobsInStream     int
	BlobsRemaining    int
}

// Options configures a Manager.
type Options struct {
	// DownloadDir is the base directory for materialized files; each stream
	// gets its own subdirectory beneath it.
	DownloadDir string

	// SaveBlobs controls whether fetched blobs are retained in the store.
	// Toggleable at runtime via SetSaveBlobs.
	SaveBlobs bool

	// StreamingOnly, when set, makes new streams serve ranges without ever
	// materializing a full file.
	StreamingOnly bool

	Logger *logrus.Logger
}

type managedStream struct {
	mu     sync.Mutex
	rec    *Record
	desc   *stream.Descriptor
	saver  *stream.Saver
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager coordinates streams over a shared blob store and registry.
type Manager struct {
	store    *blob.Store
	fetcher  *blob.Fetcher
	registry *Registry
	log      *logrus.Logger

	downloadDir   string
	streamingOnly bool
	saveBlobs     atomic.Bool

	mu      sync.RWMutex
	streams map[string]*managedStream
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a Manager. source may be nil for a store-only deployment.
func New(store *blob.Store, source blob.Source, registry *Registry, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	m := &Manager{
		store:         store,
		registry:      registry,
		log:           log,
		downloadDir:   opts.DownloadDir,
		streamingOnly: opts.StreamingOnly,
		streams:       make(map[string]*managedStream),
	}
	m.saveBlobs.Store(opts.SaveBlobs)
	m.fetcher = blob.NewFetcher(store, source, func(string) bool { return m.saveBlobs.Load() })
	return m
}

// SetSaveBlobs toggles blob retention for subsequent fetches. Blobs already
// resident are never retroactively deleted or re-fetched.
func (m *Manager) SetSaveBlobs(v bool) { m.saveBlobs.Store(v) }

// SaveBlobs reports the current retention setting.
func (m *Manager) SaveBlobs() bool { return m.saveBlobs.Load() }

// Store returns the underlying blob store.
func (m *Manager) Store() *blob.Store { return m.store }

// Start loads durable records and reconciles them against on-disk evidence:
// resident blobs and existing materialized files. It never writes a blob or
// file during reconciliation, so a restart followed by identical requests
// reproduces identical on-disk state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	recs, err := m.registry.All()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		ms := m.newManagedStream(rec)
		m.reconcile(ms)
		m.streams[rec.SDHash] = ms
	}
	m.log.WithField("streams", len(recs)).Info("stream manager started")
	return nil
}

// Stop cancels all in-flight operations and drops in-memory state. The
// registry stays open; it belongs to the caller.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ms := range m.streams {
		ms.cancel()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx = nil
	m.cancel = nil
	m.streams = make(map[string]*managedStream)
	m.log.Info("stream manager stopped")
}

func (m *Manager) newManagedStream(rec *Record) *managedStream {
	ctx, cancel := context.WithCancel(m.ctx)
	return &managedStream{rec: rec, ctx: ctx, cancel: cancel}
}

// reconcile rebuilds a stream's runtime state from disk. Caller holds m.mu.
func (m *Manager) reconcile(ms *managedStream) {
	if b, err := m.store.Get(ms.rec.SDHash); err == nil {
		if desc, perr := stream.Parse(b.Ciphertext); perr == nil {
			ms.desc = desc
		} else {
			m.log.WithField("sd_hash", short(ms.rec.SDHash)).WithError(perr).
				Warn("resident descriptor blob failed to parse")
		}
	}

	if ms.rec.FullPath == "" {
		return
	}
	info, err := os.Stat(ms.rec.FullPath)
	switch {
	case err == nil && ms.desc != nil && info.Size() == ms.desc.TotalSize():
		// Complete file already on disk: mark done, never rewrite.
		ms.saver = stream.NewSaver(ms.desc, m.fetcher,
			ms.rec.DownloadDirectory, filepath.Base(ms.rec.FullPath))
		ms.saver.MarkComplete()
	case err == nil:
		// File present but descriptor unavailable or size unknown; leave it
		// alone. A save trigger will notice completeness itself.
	default:
		// Recorded file vanished; clear the record so listings stay honest.
		ms.rec.DownloadDirectory = ""
		ms.rec.FullPath = ""
		if perr := m.registry.Put(ms.rec); perr != nil {
			m.log.WithError(perr).Warn("persist cleared file state")
		}
	}
}

func (m *Manager) streamFor(sdHash string) (*managedStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.streams[sdHash]
	if !ok {
		return nil, ErrNotFound
	}
	return ms, nil
}

// Add registers a stream by sd hash, fetching and validating its descriptor
// blob if not resident. Adding an already-managed stream returns its info.
func (m *Manager) Add(ctx context.Context, name, sdHash string) (*Info, error) {
	m.mu.RLock()
	started := m.ctx != nil
	m.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	if ms, err := m.streamFor(sdHash); err == nil {
		return m.infoFor(ms), nil
	}

	b, err := m.fetcher.Blob(ctx, sdHash)
	if err != nil {
		return nil, err
	}
	desc, err := stream.Parse(b.Ciphertext)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		SDHash:        sdHash,
		Name:          name,
		StreamingOnly: m.streamingOnly,
		AddedAt:       time.Now().UTC(),
	}
	if err := m.registry.Put(rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if existing, ok := m.streams[sdHash]; ok {
		m.mu.Unlock()
		return m.infoFor(existing), nil
	}
	ms := m.newManagedStream(rec)
	ms.desc = desc
	m.streams[sdHash] = ms
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"sd_hash": short(sdHash), "name": name, "streaming_only": rec.StreamingOnly,
	}).Info("stream added")
	return m.infoFor(ms), nil
}

// ensureDescriptor loads the stream's descriptor, fetching the sd blob if it
// is not resident, and reconciles any previously materialized file.
func (m *Manager) ensureDescriptor(ctx context.Context, ms *managedStream) (*stream.Descriptor, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.desc != nil {
		return ms.desc, nil
	}

	b, err := m.store.Get(ms.rec.SDHash)
	if err == blob.ErrNotFound {
		b, err = m.fetcher.Blob(ctx, ms.rec.SDHash)
	}
	if err != nil {
		return nil, err
	}
	desc, err := stream.Parse(b.Ciphertext)
	if err != nil {
		return nil, err
	}
	ms.desc = desc

	if ms.rec.FullPath != "" && ms.saver == nil {
		if info, serr := os.Stat(ms.rec.FullPath); serr == nil && info.Size() == desc.TotalSize() {
			ms.saver = stream.NewSaver(desc, m.fetcher,
				ms.rec.DownloadDirectory, filepath.Base(ms.rec.FullPath))
			ms.saver.MarkComplete()
		}
	}
	return desc, nil
}

// Read opens a reader over the served range [start, end) of a stream.
// For streams that are not streaming-only, the first read also triggers the
// one-time background materialization. The returned reader must be closed.
func (m *Manager) Read(ctx context.Context, sdHash string, start, end int64) (io.ReadCloser, error) {
	ms, err := m.streamFor(sdHash)
	if err != nil {
		return nil, err
	}
	if ms.ctx.Err() != nil {
		return nil, ErrStreamGone
	}
	desc, err := m.ensureDescriptor(ctx, ms)
	if err != nil {
		return nil, err
	}

	if !ms.rec.StreamingOnly {
		m.triggerSave(ms, desc, "")
	}

	// The reader dies with either the request or the stream.
	rctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ms.ctx, cancel)
	r, err := stream.NewReader(rctx, desc, m.fetcher, start, end)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	return &rangeReadCloser{r: r, ms: ms, stop: stop, cancel: cancel}, nil
}

// ServedSize returns the padded size the HTTP layer reports for the stream.
func (m *Manager) ServedSize(ctx context.Context, sdHash string) (int64, error) {
	ms, err := m.streamFor(sdHash)
	if err != nil {
		return 0, err
	}
	desc, err := m.ensureDescriptor(ctx, ms)
	if err != nil {
		return 0, err
	}
	return desc.ServedSize(), nil
}

// triggerSave installs the stream's saver if needed and triggers it.
// Concurrent calls collapse into the saver's single write.
func (m *Manager) triggerSave(ms *managedStream, desc *stream.Descriptor, dirOverride string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	// Delete cancels under the same lock; a dead stream must not install a
	// saver or write its record back into the registry.
	if ms.ctx.Err() != nil {
		return
	}
	if ms.saver == nil {
		dir := dirOverride
		if dir == "" {
			dir = filepath.Join(m.downloadDir, ms.rec.Name)
		}
		fileName := desc.SuggestedFileName
		if fileName == "" {
			fileName = ms.rec.Name
		}
		ms.saver = stream.NewSaver(desc, m.fetcher, dir, fileName)
		ms.rec.DownloadDirectory = dir
		ms.rec.FullPath = ms.saver.FullPath()
		if err := m.registry.Put(ms.rec); err != nil {
			m.log.WithError(err).Warn("persist materialization target")
		}
		m.log.WithFields(logrus.Fields{
			"sd_hash": short(ms.rec.SDHash), "full_path": ms.rec.FullPath,
		}).Info("materializing stream")
	}
	ms.saver.Save(ms.ctx)
}

// SaveFile requests materialization of the stream's plaintext into dir
// (empty dir means the default per-stream directory). Materialization
// happens at most once per stream; repeat requests are no-ops. Use
// FinishedWriting to observe completion.
func (m *Manager) SaveFile(ctx context.Context, sdHash, dir string) error {
	ms, err := m.streamFor(sdHash)
	if err != nil {
		return err
	}
	if ms.ctx.Err() != nil {
		return ErrStreamGone
	}
	desc, err := m.ensureDescriptor(ctx, ms)
	if err != nil {
		return err
	}
	m.triggerSave(ms, desc, dir)
	return nil
}

// FinishedWriting returns a channel closed once the stream's materialization
// has been flushed, closed, and renamed into place.
func (m *Manager) FinishedWriting(sdHash string) (<-chan struct{}, error) {
	ms, err := m.streamFor(sdHash)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.saver == nil {
		return nil, ErrNotSaving
	}
	return ms.saver.Done(), nil
}

// Delete removes a stream: its exclusively-owned blobs (descriptor blob
// included) and, when deleteFromDownloadDir is set, its materialized file and
// per-stream directory. In-flight reads and saves against the stream fail
// with ErrStreamGone. Deleting an unknown stream is not an error.
func (m *Manager) Delete(ctx context.Context, sdHash string, deleteFromDownloadDir bool) error {
	m.mu.Lock()
	ms, ok := m.streams[sdHash]
	if ok {
		delete(m.streams, sdHash)
	}
	m.mu.Unlock()
	if !ok {
		return m.registry.Delete(sdHash)
	}

	// Cancel under the stream lock so a racing read sees the dead context
	// before it can install a saver or persist the record, then snapshot the
	// file state the same read path mutates.
	ms.mu.Lock()
	ms.cancel()
	saver := ms.saver
	desc := ms.desc
	fullPath := ms.rec.FullPath
	downloadDir := ms.rec.DownloadDirectory
	ms.mu.Unlock()

	// Let any in-flight write settle; cancellation turns it into a failure
	// instead of a rename landing after the file removal below.
	if saver != nil {
		<-saver.Done()
	}

	if desc == nil {
		if b, err := m.store.Get(sdHash); err == nil {
			desc, _ = stream.Parse(b.Ciphertext)
		}
	}
	if desc != nil {
		for _, bi := range desc.DataBlobs() {
			if m.sharedWithAnotherStream(bi.BlobHash) {
				continue
			}
			if err := m.store.Delete(bi.BlobHash); err != nil {
				return err
			}
		}
	}
	if err := m.store.Delete(sdHash); err != nil {
		return err
	}

	if deleteFromDownloadDir && fullPath != "" {
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		// Remove the per-stream directory; stays put if anything else is in it.
		if downloadDir != "" && downloadDir != m.downloadDir {
			_ = os.Remove(downloadDir)
		}
	}

	if err := m.registry.Delete(sdHash); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"sd_hash": short(sdHash), "name": ms.rec.Name,
	}).Info("stream deleted")
	return nil
}

// sharedWithAnotherStream reports whether any still-managed stream's
// descriptor references the blob. A stream whose descriptor is unknown
// (its sd blob was not retained across a restart) could reference any
// blob, so its presence blocks deletion entirely.
func (m *Manager) sharedWithAnotherStream(hash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, other := range m.streams {
		other.mu.Lock()
		desc := other.desc
		other.mu.Unlock()
		if desc == nil {
			return true
		}
		for _, bi := range desc.DataBlobs() {
			if bi.BlobHash == hash {
				return true
			}
		}
	}
	return false
}

// Get returns the info for one managed stream.
func (m *Manager) Get(sdHash string) (*Info, error) {
	ms, err := m.streamFor(sdHash)
	if err != nil {
		return nil, err
	}
	return m.infoFor(ms), nil
}

// List returns info for every managed stream.
func (m *Manager) List() []*Info {
	m.mu.RLock()
	streams := make([]*managedStream, 0, len(m.streams))
	for _, ms := range m.streams {
		streams = append(streams, ms)
	}
	m.mu.RUnlock()

	infos := make([]*Info, 0, len(streams))
	for _, ms := range streams {
		infos = append(infos, m.infoFor(ms))
	}
	return infos
}

func (m *Manager) infoFor(ms *managedStream) *Info {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	info := &Info{
		SDHash:            ms.rec.SDHash,
		Name:              ms.rec.Name,
		StreamingOnly:     ms.rec.StreamingOnly,
		DownloadDirectory: ms.rec.DownloadDirectory,
		FullPath:          ms.rec.FullPath,
		Status:            StatusDownloading,
	}
	if ms.desc != nil {
		data := ms.desc.DataBlobs()
		info.BlobsInStream = len(data)
		for _, bi := range data {
			if ok, err := m.store.Has(bi.BlobHash); err == nil && !ok {
				info.BlobsRemaining++
			}
		}
		if info.BlobsRemaining == 0 {
			info.Status = StatusAvailable
		}
	}
	if ms.saver != nil {
		select {
		case <-ms.saver.Done():
			if ms.saver.Err() == nil {
				info.Status = StatusFileSaved
			}
		default:
		}
	}
	return info
}

// rangeReadCloser ties a stream.Reader's lifetime to both the request and
// the owning stream, translating deletion into ErrStreamGone.
type rangeReadCloser struct {
	r      *stream.Reader
	ms     *managedStream
	stop   func() bool
	cancel context.CancelFunc
}

func (rc *rangeReadCloser) Read(p []byte) (int, error) {
	n, err := rc.r.Read(p)
	if err != nil && err != io.EOF && rc.ms.ctx.Err() != nil {
		return n, ErrStreamGone
	}
	return n, err
}

func (rc *rangeReadCloser) Close() error {
	rc.stop()
	rc.cancel()
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
