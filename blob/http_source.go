package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSource fetches blobs from peer daemons over HTTP. Each peer is a base
// URL exposing GET /blob/{hash}; peers are tried in order and the first hit
// wins.
type HTTPSource struct {
	peers  []string
	client *http.Client
}

// NewHTTPSource builds a source over the given peer base URLs. A nil client
// gets a default with a 30 second timeout.
func NewHTTPSource(peers []string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	trimmed := make([]string, 0, len(peers))
	for _, p := range peers {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return &HTTPSource{peers: trimmed, client: client}
}

// Fetch tries each peer for the blob. A 404 moves on to the next peer; any
// other failure is remembered and returned if no peer has the blob.
func (s *HTTPSource) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if !IsValidHash(hash) {
		return nil, ErrInvalidHash
	}
	if len(s.peers) == 0 {
		return nil, ErrNoSource
	}

	var lastErr error
	for _, peer := range s.peers {
		data, err := s.fetchOne(ctx, peer, hash)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != ErrNotFound {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNotFound
}

func (s *HTTPSource) fetchOne(ctx context.Context, peer, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+"/blob/"+hash, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("blob: peer %s returned status %d", peer, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}
	return data, nil
}
