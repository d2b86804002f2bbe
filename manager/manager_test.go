package manager

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobstreamorg/libblobstream-go/blob"
	"github.com/blobstreamorg/libblobstream-go/stream"
)

var testKey = bytes.Repeat([]byte{0x42}, blob.KeyLen)

// env wires a manager to a local blob store and a mock peer network backed
// by a separate publisher store.
type env struct {
	t           *testing.T
	store       *blob.Store
	pub         *blob.Store
	reg         *Registry
	mgr         *Manager
	opts        Options
	blobDir     string
	downloadDir string
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	e := &env{t: t, blobDir: t.TempDir(), downloadDir: t.TempDir()}
	if opts.DownloadDir == "" {
		opts.DownloadDir = e.downloadDir
	}
	e.opts = opts

	var err error
	e.store, err = blob.NewStore(e.blobDir)
	require.NoError(t, err)
	e.pub, err = blob.NewStore(t.TempDir())
	require.NoError(t, err)
	e.reg, err = OpenRegistry(filepath.Join(t.TempDir(), "streams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.reg.Close() })

	e.mgr = New(e.store, e.source(), e.reg, opts)
	require.NoError(t, e.mgr.Start(context.Background()))
	t.Cleanup(e.mgr.Stop)
	return e
}

func (e *env) source() blob.Source {
	return &blob.MockSource{FetchFn: func(_ context.Context, hash string) ([]byte, error) {
		b, err := e.pub.Get(hash)
		if err != nil {
			return nil, err
		}
		return b.Ciphertext, nil
	}}
}

// restart simulates a process restart: stop the manager and build a fresh
// one over the same store, registry, and source.
func (e *env) restart() {
	e.t.Helper()
	e.mgr.Stop()
	e.mgr = New(e.store, e.source(), e.reg, e.opts)
	require.NoError(e.t, e.mgr.Start(context.Background()))
}

// publish creates a stream in the publisher store, playing the remote peer.
func (e *env) publish(name string, data []byte) string {
	e.t.Helper()
	d, err := stream.Create(e.pub, testKey, name, name+".bin", bytes.NewReader(data))
	require.NoError(e.t, err)
	sdHash, err := d.SDHash()
	require.NoError(e.t, err)
	return sdHash
}

func (e *env) readAll(sdHash string) []byte {
	e.t.Helper()
	size, err := e.mgr.ServedSize(context.Background(), sdHash)
	require.NoError(e.t, err)
	r, err := e.mgr.Read(context.Background(), sdHash, 0, size)
	require.NoError(e.t, err)
	defer r.Close()
	out, err := io.ReadAll(r)
	require.NoError(e.t, err)
	return out
}

func (e *env) blobCount() int {
	n, err := e.store.Count()
	require.NoError(e.t, err)
	return n
}

func (e *env) downloadEntries() int {
	entries, err := os.ReadDir(e.downloadDir)
	require.NoError(e.t, err)
	return len(entries)
}

func TestAddAndReadPadded(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: true})
	sdHash := e.publish("foo", []byte("hi"))

	info, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	assert.Equal(t, "foo", info.Name)
	assert.Equal(t, 1, info.BlobsInStream)

	got := e.readAll(sdHash)
	want := append([]byte("hi"), make([]byte, 13)...)
	assert.Equal(t, want, got)
}

func TestReadRetainsBlobs(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: true})
	sdHash := e.publish("foo", []byte("some data worth keeping"))

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	assert.Equal(t, 1, e.blobCount(), "sd blob retained on add")

	e.readAll(sdHash)
	assert.Equal(t, 2, e.blobCount(), "data blob retained after read")

	info, err := e.mgr.Get(sdHash)
	require.NoError(t, err)
	assert.Equal(t, 0, info.BlobsRemaining)
	assert.Equal(t, StatusAvailable, info.Status)
}

func TestStreamingOnlyWithoutBlobs(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: false, StreamingOnly: true})
	sdHash := e.publish("foo", []byte("transient data, never written"))

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.readAll(sdHash)
		assert.Equal(t, 0, e.blobCount(), "no blob files in streaming-only mode")
		assert.Equal(t, 0, e.downloadEntries(), "no materialized files")
	}

	info, err := e.mgr.Get(sdHash)
	require.NoError(t, err)
	assert.Empty(t, info.FullPath)
	assert.Empty(t, info.DownloadDirectory)
}

func TestReadTriggersMaterialization(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: false})
	data := []byte("this stream gets written to a file")
	sdHash := e.publish("foo", data)

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	e.readAll(sdHash)

	done, err := e.mgr.FinishedWriting(sdHash)
	require.NoError(t, err)
	<-done

	info, err := e.mgr.Get(sdHash)
	require.NoError(t, err)
	assert.Equal(t, StatusFileSaved, info.Status)
	require.NotEmpty(t, info.FullPath)

	got, err := os.ReadFile(info.FullPath)
	require.NoError(t, err)
	assert.Equal(t, data, got, "materialized file holds true plaintext, unpadded")

	// Repeated reads never duplicate the file.
	before := e.downloadEntries()
	for i := 0; i < 3; i++ {
		e.readAll(sdHash)
		assert.Equal(t, before, e.downloadEntries())
	}
}

func TestSaveFileIdempotent(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: true})
	data := []byte("explicitly saved stream")
	sdHash := e.publish("foo", data)

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, e.mgr.SaveFile(context.Background(), sdHash, ""))
	}
	done, err := e.mgr.FinishedWriting(sdHash)
	require.NoError(t, err)
	<-done

	info, err := e.mgr.Get(sdHash)
	require.NoError(t, err)
	streamDir := filepath.Join(e.downloadDir, "foo")
	assert.Equal(t, streamDir, info.DownloadDirectory)

	entries, err := os.ReadDir(streamDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one materialized file")

	got, err := os.ReadFile(info.FullPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRestartStability(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: false})
	data := []byte("content that must survive restarts untouched")
	sdHash := e.publish("foo", data)

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	e.readAll(sdHash)
	done, err := e.mgr.FinishedWriting(sdHash)
	require.NoError(t, err)
	<-done

	blobsBefore := e.blobCount()
	filesBefore := e.downloadEntries()
	info, err := e.mgr.Get(sdHash)
	require.NoError(t, err)
	statBefore, err := os.Stat(info.FullPath)
	require.NoError(t, err)

	e.restart()

	// The stream is still listed with its file state intact.
	infos := e.mgr.List()
	require.Len(t, infos, 1)
	assert.Equal(t, info.FullPath, infos[0].FullPath)
	assert.Equal(t, StatusFileSaved, infos[0].Status)

	// Repeating the same reads reproduces identical on-disk state.
	for i := 0; i < 3; i++ {
		e.readAll(sdHash)
	}
	assert.Equal(t, blobsBefore, e.blobCount())
	assert.Equal(t, filesBefore, e.downloadEntries())

	statAfter, err := os.Stat(info.FullPath)
	require.NoError(t, err)
	assert.Equal(t, statBefore.ModTime(), statAfter.ModTime(),
		"existing file must not be rewritten after restart")
}

func TestRestartStreamingOnlyNoNewFiles(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: false, StreamingOnly: true})
	sdHash := e.publish("foo", []byte("streaming only, nothing durable"))

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	e.readAll(sdHash)

	e.restart()

	e.readAll(sdHash)
	assert.Equal(t, 0, e.blobCount())
	assert.Equal(t, 0, e.downloadEntries())
}

func TestSaveBlobsToggle(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: false, StreamingOnly: true})
	data := make([]byte, 100000)
	for i := range data {
		data[i] = byte(i)
	}
	sdHash := e.publish("foo", data)

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	e.readAll(sdHash)
	start := e.blobCount()
	require.Equal(t, 0, start)

	info, err := e.mgr.Get(sdHash)
	require.NoError(t, err)
	blobsInStream := info.BlobsInStream
	require.Greater(t, blobsInStream, 0)

	// false -> true: the next full read creates exactly the missing blobs.
	e.mgr.SetSaveBlobs(true)
	e.readAll(sdHash)
	assert.Equal(t, start+blobsInStream, e.blobCount())

	info, err = e.mgr.Get(sdHash)
	require.NoError(t, err)
	assert.Equal(t, 0, info.BlobsRemaining)

	// true -> false: already-resident blobs are not deleted.
	e.mgr.SetSaveBlobs(false)
	e.readAll(sdHash)
	assert.Equal(t, start+blobsInStream, e.blobCount())
}

func TestDeleteRestoresBaseline(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: false})
	data := []byte("delete me cleanly")
	sdHash := e.publish("foo", data)

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	e.readAll(sdHash)
	done, err := e.mgr.FinishedWriting(sdHash)
	require.NoError(t, err)
	<-done

	require.Greater(t, e.blobCount(), 0)
	require.Greater(t, e.downloadEntries(), 0)

	require.NoError(t, e.mgr.Delete(context.Background(), sdHash, true))
	assert.Equal(t, 0, e.blobCount(), "blob dir restored to baseline")
	assert.Equal(t, 0, e.downloadEntries(), "download dir restored to baseline")

	_, err = e.mgr.Get(sdHash)
	assert.ErrorIs(t, err, ErrNotFound)

	// Idempotent.
	require.NoError(t, e.mgr.Delete(context.Background(), sdHash, true))
}

func TestDeleteLeavesOtherStreamsAlone(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: true})
	sdFoo := e.publish("foo", []byte("stream one content"))
	sdBar := e.publish("bar", []byte("stream two content"))

	_, err := e.mgr.Add(context.Background(), "foo", sdFoo)
	require.NoError(t, err)
	_, err = e.mgr.Add(context.Background(), "bar", sdBar)
	require.NoError(t, err)
	e.readAll(sdFoo)
	e.readAll(sdBar)
	require.Equal(t, 4, e.blobCount())

	require.NoError(t, e.mgr.Delete(context.Background(), sdFoo, true))
	assert.Equal(t, 2, e.blobCount(), "only foo's blobs removed")

	assert.Equal(t, []byte("stream two content"),
		e.readAll(sdBar)[:len("stream two content")])
}

func TestDeleteCancelsInflightRead(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: false, StreamingOnly: true})
	sdHash := e.publish("foo", []byte("soon to vanish"))

	// A source that blocks until the stream is deleted.
	started := make(chan struct{})
	var once sync.Once
	blocking := &blob.MockSource{FetchFn: func(ctx context.Context, hash string) ([]byte, error) {
		b, err := e.pub.Get(hash)
		if err != nil {
			return nil, err
		}
		if hash != sdHash {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return b.Ciphertext, nil
	}}
	e.mgr.Stop()
	e.mgr = New(e.store, blocking, e.reg, e.opts)
	require.NoError(t, e.mgr.Start(context.Background()))

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		r, err := e.mgr.Read(context.Background(), sdHash, 0, 15)
		if err != nil {
			errCh <- err
			return
		}
		defer r.Close()
		_, err = io.ReadAll(r)
		errCh <- err
	}()

	<-started
	require.NoError(t, e.mgr.Delete(context.Background(), sdHash, true))
	assert.ErrorIs(t, <-errCh, ErrStreamGone)
}

func TestDeleteThenLateSaveTriggerDoesNotResurrect(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: false})
	sdHash := e.publish("foo", []byte("gone before the save fires"))

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)

	// A reader that raced the delete already holds the stream and its
	// descriptor; its save trigger lands after the delete completes.
	ms, err := e.mgr.streamFor(sdHash)
	require.NoError(t, err)
	desc, err := e.mgr.ensureDescriptor(context.Background(), ms)
	require.NoError(t, err)

	require.NoError(t, e.mgr.Delete(context.Background(), sdHash, true))

	e.mgr.triggerSave(ms, desc, "")
	ms.mu.Lock()
	assert.Nil(t, ms.saver, "dead stream must not install a saver")
	ms.mu.Unlock()

	_, err = e.reg.Get(sdHash)
	assert.ErrorIs(t, err, ErrNotFound, "late trigger must not write the record back")

	e.restart()
	assert.Empty(t, e.mgr.List(), "deleted stream must not reappear after restart")
}

func TestDeleteWhileSaveInFlightLeavesNoFile(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: false, StreamingOnly: false})
	sdHash := e.publish("foo", []byte("never fully written"))

	// A source that stalls on data blobs until the stream is deleted.
	started := make(chan struct{})
	var once sync.Once
	blocking := &blob.MockSource{FetchFn: func(ctx context.Context, hash string) ([]byte, error) {
		b, err := e.pub.Get(hash)
		if err != nil {
			return nil, err
		}
		if hash != sdHash {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return b.Ciphertext, nil
	}}
	e.mgr.Stop()
	e.mgr = New(e.store, blocking, e.reg, e.opts)
	require.NoError(t, e.mgr.Start(context.Background()))

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	require.NoError(t, e.mgr.SaveFile(context.Background(), sdHash, ""))

	<-started
	require.NoError(t, e.mgr.Delete(context.Background(), sdHash, true))
	assert.Equal(t, 0, e.downloadEntries(), "no materialized file for a deleted stream")
}

func TestDeleteBlockedByStreamWithUnknownDescriptor(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: true})
	sdFoo := e.publish("foo", []byte("kept because bar is opaque"))
	sdBar := e.publish("bar", []byte("descriptor lost across restart"))

	_, err := e.mgr.Add(context.Background(), "foo", sdFoo)
	require.NoError(t, err)
	e.readAll(sdFoo)

	// bar's record survives the restart but its sd blob does not, so its
	// descriptor is unknown afterwards and could reference any blob.
	e.mgr.SetSaveBlobs(false)
	_, err = e.mgr.Add(context.Background(), "bar", sdBar)
	require.NoError(t, err)
	e.restart()

	b, err := e.pub.Get(sdFoo)
	require.NoError(t, err)
	desc, err := stream.Parse(b.Ciphertext)
	require.NoError(t, err)

	require.NoError(t, e.mgr.Delete(context.Background(), sdFoo, true))
	for _, bi := range desc.DataBlobs() {
		ok, herr := e.store.Has(bi.BlobHash)
		require.NoError(t, herr)
		assert.True(t, ok, "data blobs stay while any descriptor is unknown")
	}
}

func TestReadUnknownStream(t *testing.T) {
	e := newEnv(t, Options{})
	_, err := e.mgr.Read(context.Background(), blob.Hash([]byte("nope")), 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReFetchAfterDelete(t *testing.T) {
	e := newEnv(t, Options{SaveBlobs: true, StreamingOnly: true})
	data := []byte("deleted then fetched again")
	sdHash := e.publish("foo", data)

	_, err := e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	e.readAll(sdHash)
	require.NoError(t, e.mgr.Delete(context.Background(), sdHash, true))
	require.Equal(t, 0, e.blobCount())

	// The same content can be added and read again; blobs are re-fetched.
	_, err = e.mgr.Add(context.Background(), "foo", sdHash)
	require.NoError(t, err)
	got := e.readAll(sdHash)
	assert.Equal(t, data, got[:len(data)])
	assert.Equal(t, 2, e.blobCount())
}
