// Package avatar mirrors remote profile avatars into S3-compatible object
// storage so the web frontend can serve them without touching homeserver
// media endpoints. Mirroring is best-effort; a nil *Mirror disables it.
package avatar

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MediaFetcher downloads a media object by its mxc:// uri.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error)
}

type Mirror struct {
	client    *minio.Client
	fetcher   MediaFetcher
	bucket    string
	publicURL string
	log       *log.Logger
}

// NewMirror connects to the object store and ensures the bucket exists.
func NewMirror(endpoint, accessKey, secretKey, bucket, publicURL string, useSSL bool, fetcher MediaFetcher) (*Mirror, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Mirror{
		client:    client,
		fetcher:   fetcher,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log.New(log.Writer(), "[avatar] ", log.LstdFlags),
	}, nil
}

// PublicURL resolves an avatar reference to a browser-servable URL. Mirrored
// mxc:// uris map to their object key; anything else passes through.
func (m *Mirror) PublicURL(avatarRef string) string {
	if m == nil || !strings.HasPrefix(avatarRef, "mxc://") {
		return avatarRef
	}
	return m.publicURL + "/" + m.bucket + "/" + objectKey(avatarRef)
}

// MirrorAvatar copies the media behind an mxc:// uri into the bucket and
// returns the public URL. Already-mirrored objects are not re-fetched.
func (m *Mirror) MirrorAvatar(ctx context.Context, mxcURI string) (string, error) {
	if m == nil {
		return mxcURI, nil
	}
	if !strings.HasPrefix(mxcURI, "mxc://") {
		return mxcURI, nil
	}

	key := objectKey(mxcURI)
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err == nil {
		return m.publicURL + "/" + m.bucket + "/" + key, nil
	}

	data, contentType, err := m.fetcher.DownloadMedia(ctx, mxcURI)
	if err != nil {
		return "", fmt.Errorf("fetch avatar %s: %w", mxcURI, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("store avatar %s: %w", key, err)
	}
	m.log.Printf("mirrored %s as %s", mxcURI, key)
	return m.publicURL + "/" + m.bucket + "/" + key, nil
}

func objectKey(mxcURI string) string {
	sum := sha256.Sum256([]byte(mxcURI))
	return "avatars/" + hex.EncodeToString(sum[:16])
}
