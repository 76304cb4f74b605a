// Package attachment stores chat attachments in blob storage and renders
// thumbnails for images.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/pkg/log"
	"github.com/weiawesome/wes-io-talk/pkg/storage"
)

const (
	DefaultMaxSize        = 10 << 20
	DefaultThumbnailWidth = 320
	thumbnailQuality      = 80
	keyPrefix             = "attachments"
)

// ErrTooLarge is returned for uploads above the configured size.
var ErrTooLarge = fmt.Errorf("%w: attachment too large", domain.ErrValidation)

// Attachment is the triple a client copies into send_message.
type Attachment struct {
	URL          string `json:"url"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

type Options struct {
	MaxSize        int64
	ThumbnailWidth int
	URLExpiry      time.Duration
}

type Uploader struct {
	store storage.Storage
	opts  Options
}

func NewUploader(store storage.Storage, opts Options) *Uploader {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = DefaultThumbnailWidth
	}
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = 24 * time.Hour
	}
	return &Uploader{store: store, opts: opts}
}

// Upload stores r under a fresh key owned by uploaderID. size may be -1 when
// unknown; the limit is enforced on the bytes actually read.
func (u *Uploader) Upload(ctx context.Context, uploaderID, name, contentType string, r io.Reader, size int64) (*Attachment, error) {
	if err := domain.ValidateIdentity(uploaderID); err != nil {
		return nil, err
	}
	if size > u.opts.MaxSize {
		return nil, ErrTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(r, u.opts.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > u.opts.MaxSize {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty attachment", domain.ErrValidation)
	}

	name = sanitizeName(name)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	id := uuid.New().String()
	key := fmt.Sprintf("%s/%s/%s%s", keyPrefix, uploaderID, id, strings.ToLower(filepath.Ext(name)))
	if err := u.store.Write(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("%w: store attachment: %v", domain.ErrUnavailable, err)
	}
	url, err := u.store.GetURL(ctx, key, u.opts.URLExpiry)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment url: %v", domain.ErrUnavailable, err)
	}

	att := &Attachment{URL: url, Type: contentType, Name: name, Size: int64(len(data))}

	if isImage(contentType) {
		thumbURL, err := u.thumbnail(ctx, uploaderID, id, data)
		if err != nil {
			// The original is stored; a missing preview is not fatal.
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str("key", key).Msg("failed to render thumbnail")
		} else {
			att.ThumbnailURL = thumbURL
		}
	}

	return att, nil
}

func (u *Uploader) thumbnail(ctx context.Context, uploaderID, id string, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	if img.Bounds().Dx() > u.opts.ThumbnailWidth {
		img = imaging.Resize(img, u.opts.ThumbnailWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s_thumb.jpg", keyPrefix, uploaderID, id)
	if err := u.store.Write(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	return u.store.GetURL(ctx, key, u.opts.URLExpiry)
}

// Delete removes a stored attachment by key.
func (u *Uploader) Delete(ctx context.Context, key string) error {
	if err := u.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func isImage(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg", "image/png", "image/gif", "image/bmp", "image/tiff":
		return true
	}
	return false
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}
