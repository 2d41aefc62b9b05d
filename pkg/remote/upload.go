package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"channel-relay/pkg/pipeline"
)

// HTTPUploader posts artifacts to the target channel as multipart forms with
// a "metadata" JSON part and a "media" file part.
type HTTPUploader struct {
	client    *http.Client
	uploadURL string
	token     string
}

func NewHTTPUploader(uploadURL, token string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPUploader{client: client, uploadURL: uploadURL, token: token}
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload implements pipeline.Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, art pipeline.Artifact, meta pipeline.UploadMetadata, progress pipeline.ProgressFunc) (string, error) {
	f, err := os.Open(art.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(ctx, mw, metaJSON, f, art, progress))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	u.authorize(req)

	resp, err := u.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("uploading %s: %w", art.Path, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", err
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("upload response has no id")
	}
	return out.ID, nil
}

func writeForm(ctx context.Context, mw *multipart.Writer, metaJSON []byte, media io.Reader, art pipeline.Artifact, progress pipeline.ProgressFunc) error {
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("media", filepath.Base(art.Path))
	if err != nil {
		return err
	}
	if _, err := copyChunks(ctx, part, media, art.Size, progress); err != nil {
		return err
	}
	return mw.Close()
}

// SetThumbnail implements pipeline.ThumbnailSetter.
func (u *HTTPUploader) SetThumbnail(ctx context.Context, remoteID, thumbnailURL string) error {
	body, err := json.Marshal(map[string]string{"thumbnail_url": thumbnailURL})
	if err != nil {
		return err
	}
	endpoint, err := url.JoinPath(u.uploadURL, remoteID, "thumbnail")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	u.authorize(req)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("setting thumbnail: %w", err)
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

func (u *HTTPUploader) authorize(req *http.Request) {
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
}
