package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// downloadChunkSize is how much is read from the network per write.
const downloadChunkSize = 1 << 20 // 1 MiB

// ErrChecksumMismatch reports a downloaded package whose content hash
// does not match the store's announcement.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Fetcher downloads update candidates into the cache.
type Fetcher struct {
	cache  *Cache
	client *http.Client

	// Progress, when non-nil, additionally receives every stored chunk.
	Progress io.Writer
}

// NewFetcher creates a Fetcher backed by the given cache and client.
func NewFetcher(cache *Cache, client *http.Client) *Fetcher {
	return &Fetcher{
		cache:  cache,
		client: client,
	}
}

// Fetch downloads one candidate and publishes it under (id,
// candidate.Version). The package becomes visible only after all bytes
// are on disk and, when the store announced a hash, verified against
// it. A missing announcement is tolerated with a warning; a mismatch
// discards the staging file and fails.
func (f *Fetcher) Fetch(ctx context.Context, id string, cand *UpdateCandidate) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cand.URL, nil)
	if err != nil {
		return errors.Wrap(err, "build download request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "download "+cand.URL)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", cand.URL, resp.StatusCode)
	}
	if resp.ContentLength >= 0 && cand.Size > 0 && resp.ContentLength != cand.Size {
		slog.Warn("download size differs from announcement",
			"extension", id, "version", cand.Version,
			"announced", cand.Size, "content_length", resp.ContentLength)
	}

	digest := sha256.New()
	var written int64
	err = f.cache.Publish(id, cand.Version, func(w io.Writer) error {
		dst := io.MultiWriter(w, digest)
		if f.Progress != nil {
			dst = io.MultiWriter(w, digest, f.Progress)
		}

		n, err := copyChunks(ctx, dst, resp.Body)
		written = n
		if err != nil {
			return errors.Wrap(err, "stream package")
		}

		if cand.SHA256 == "" {
			slog.Warn("store announced no checksum, integrity not verified",
				"extension", id, "version", cand.Version)
			return nil
		}
		sum := hex.EncodeToString(digest.Sum(nil))
		if !strings.EqualFold(sum, cand.SHA256) {
			slog.Error("checksum mismatch, discarding download",
				"extension", id, "version", cand.Version,
				"want", cand.SHA256, "got", sum)
			return errors.Wrap(ErrChecksumMismatch, cand.URL)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("package downloaded", "extension", id, "version", cand.Version, "size", written)

	if cand.MinProductVersion != "" {
		meta := PackageMeta{ProdVersionMin: cand.MinProductVersion}
		if err := f.cache.WriteMeta(id, cand.Version, meta); err != nil {
			return err
		}
	}
	return nil
}

// copyChunks copies src to dst in fixed-size chunks, checking for
// cancellation between chunks.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, downloadChunkSize)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// closeRespBody closes an HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// closeAndRemoveFile closes and removes a staging file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close staging file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil {
		slog.Warn("failed to remove staging file", "file", filename, "error", err)
	}
}

// upstreamTimeout bounds one whole upstream exchange, headers and body
// included. Without it a store that stops responding mid-request would
// wedge that extension's poll loop until shutdown.
const upstreamTimeout = 5 * time.Minute

// NewHTTPClient returns an HTTP client with pooling settings suited to
// long-running polling, optionally routed through a proxy.
func NewHTTPClient(proxy *url.URL) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	}

	return &http.Client{
		Transport: tr,
		Timeout:   upstreamTimeout,
	}
}
