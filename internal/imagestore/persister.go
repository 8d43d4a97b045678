package imagestore

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/maltedev/price-tracker/internal/apperrors"
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Persister downloads a remote image and saves it to a Store.
type Persister struct {
	client   *http.Client
	store    Store
	maxBytes int64
	now      func() time.Time
}

// NewPersister downloads with the given timeout and rejects images larger
// than maxBytes (5 MiB when not positive).
func NewPersister(store Store, timeout time.Duration, maxBytes int64) *Persister {
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Persister{
		client:   &http.Client{Timeout: timeout},
		store:    store,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Persist copies srcURL into the store under a name derived from key and
// returns the stored reference. Every failure is tagged ImagePersistFailure.
func (p *Persister) Persist(ctx context.Context, key, srcURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ImagePersistFailure, "invalid image url")
	}
	req.Header.Set("Accept", "image/webp,image/jpeg,image/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ImagePersistFailure, "image download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.New(apperrors.ImagePersistFailure, fmt.Sprintf("image download returned %d", resp.StatusCode))
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	ext, ok := extensions[contentType]
	if !ok {
		return "", apperrors.New(apperrors.ImagePersistFailure, fmt.Sprintf("unsupported image type %q", contentType))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ImagePersistFailure, "image download interrupted")
	}
	if int64(len(data)) > p.maxBytes {
		return "", apperrors.New(apperrors.ImagePersistFailure, fmt.Sprintf("image larger than %d bytes", p.maxBytes))
	}

	name := fmt.Sprintf("%s-%d%s", sanitizeKey(key), p.now().UnixMilli(), ext)
	ref, err := p.store.Put(ctx, name, contentType, data)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ImagePersistFailure, "image upload failed")
	}
	return ref, nil
}

func sanitizeKey(key string) string {
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
	if key == "" {
		return "image"
	}
	return key
}
