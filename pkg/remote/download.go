package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"channel-relay/pkg/pipeline"
	"channel-relay/pkg/task"
)

const chunkSize = 256 << 10

// HTTPDownloader streams media into a directory. Files are written as
// <id>.part and renamed to <id>.mp4 once complete, so a crash never leaves a
// truncated file under the final name.
type HTTPDownloader struct {
	client *http.Client
	dir    string
}

func NewHTTPDownloader(dir string, client *http.Client) (*HTTPDownloader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDownloader{client: client, dir: dir}, nil
}

// Download implements pipeline.Downloader. Cancellation is checked between
// chunks.
func (d *HTTPDownloader) Download(ctx context.Context, item task.Item, progress pipeline.ProgressFunc) (pipeline.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.SourceURL, nil)
	if err != nil {
		return pipeline.Artifact{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("fetching %s: %w", item.SourceURL, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return pipeline.Artifact{}, err
	}

	final := filepath.Join(d.dir, safeName(item.ExternalID)+".mp4")
	part := final + ".part"
	f, err := os.Create(part)
	if err != nil {
		return pipeline.Artifact{}, err
	}

	written, err := copyChunks(ctx, f, resp.Body, resp.ContentLength, progress)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && resp.ContentLength > 0 && written != resp.ContentLength {
		err = fmt.Errorf("short download: got %d of %d bytes", written, resp.ContentLength)
	}
	if err != nil {
		os.Remove(part)
		return pipeline.Artifact{}, err
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return pipeline.Artifact{}, err
	}
	return pipeline.Artifact{Path: final, Size: written}, nil
}

func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress pipeline.ProgressFunc) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// safeName keeps ids usable as file names.
func safeName(id string) string {
	out := []rune(id)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
