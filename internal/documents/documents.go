// Package documents validates claim supporting files and keeps them in
// object storage.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/insurepro/apiserver/types"
	"github.com/oklog/ulid/v2"
)

// Default limits for claim attachments.
const (
	DefaultMaxCount       = 5
	DefaultMaxBytes int64 = 10 << 20
)

var (
	ErrTooMany         = errors.New("too many documents")
	ErrEmpty           = errors.New("document is empty")
	ErrTooLarge        = errors.New("document exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported document type")
)

// allowedTypes maps accepted extensions to their canonical content type.
var allowedTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Limits bounds the number and size of documents attached to one claim.
type Limits struct {
	MaxCount int
	MaxBytes int64
}

// DefaultLimits returns the standard attachment limits.
func DefaultLimits() Limits {
	return Limits{MaxCount: DefaultMaxCount, MaxBytes: DefaultMaxBytes}
}

func (l Limits) orDefault() Limits {
	if l.MaxCount <= 0 {
		l.MaxCount = DefaultMaxCount
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	return l
}

// ContentType resolves the stored content type for an upload. The extension
// decides; a declared type that contradicts it is rejected.
func ContentType(filename, declared string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	canonical, ok := allowedTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, filename)
	}
	declared = strings.TrimSpace(declared)
	if declared == "" || declared == "application/octet-stream" {
		return canonical, nil
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil || !strings.EqualFold(mediaType, canonical) {
		return "", fmt.Errorf("%w: %q declared as %q", ErrUnsupportedType, filename, declared)
	}
	return canonical, nil
}

// Validate checks stored descriptors against limits.
func Validate(docs []types.ClaimDocument, limits Limits) error {
	limits = limits.orDefault()
	if len(docs) > limits.MaxCount {
		return fmt.Errorf("%w: %d (max %d)", ErrTooMany, len(docs), limits.MaxCount)
	}
	for _, doc := range docs {
		if err := checkSize(doc.Name, doc.Size, limits); err != nil {
			return err
		}
		ct, err := ContentType(doc.Name, doc.ContentType)
		if err != nil {
			return err
		}
		if ct != doc.ContentType {
			return fmt.Errorf("%w: %q", ErrUnsupportedType, doc.Name)
		}
	}
	return nil
}

func checkSize(name string, size int64, limits Limits) error {
	if size <= 0 {
		return fmt.Errorf("%w: %q", ErrEmpty, name)
	}
	if size > limits.MaxBytes {
		return fmt.Errorf("%w: %q is %d bytes (max %d)", ErrTooLarge, name, size, limits.MaxBytes)
	}
	return nil
}

// Upload is one incoming file.
type Upload struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

// ObjectStore is the subset of storage.Storage the uploader needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Uploader validates uploads and writes them to object storage.
type Uploader struct {
	store  ObjectStore
	limits Limits
}

func NewUploader(store ObjectStore, limits Limits) *Uploader {
	return &Uploader{store: store, limits: limits.orDefault()}
}

// Limits returns the limits enforced by the uploader.
func (u *Uploader) Limits() Limits {
	return u.limits
}

// Store validates every upload before writing any of them, then stores them
// under claims/<accountID>/. On a storage failure the files written so far
// are removed.
func (u *Uploader) Store(ctx context.Context, accountID int, uploads []Upload) ([]types.ClaimDocument, error) {
	if len(uploads) > u.limits.MaxCount {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooMany, len(uploads), u.limits.MaxCount)
	}

	docs := make([]types.ClaimDocument, 0, len(uploads))
	for _, up := range uploads {
		if err := checkSize(up.Name, up.Size, u.limits); err != nil {
			return nil, err
		}
		ct, err := ContentType(up.Name, up.ContentType)
		if err != nil {
			return nil, err
		}
		stored := ulid.Make().String() + strings.ToLower(filepath.Ext(up.Name))
		docs = append(docs, types.ClaimDocument{
			Name:        filepath.Base(up.Name),
			StoredName:  stored,
			ObjectKey:   fmt.Sprintf("claims/%d/%s", accountID, stored),
			Size:        up.Size,
			ContentType: ct,
		})
	}

	for i, doc := range docs {
		body := io.LimitReader(uploads[i].Body, doc.Size)
		if err := u.store.Put(ctx, doc.ObjectKey, body, doc.Size, doc.ContentType); err != nil {
			u.Discard(context.WithoutCancel(ctx), docs[:i])
			return nil, fmt.Errorf("store document %q: %w", doc.Name, err)
		}
	}
	return docs, nil
}

// Discard removes stored documents. Failures are ignored; an orphaned
// object has no claim pointing at it.
func (u *Uploader) Discard(ctx context.Context, docs []types.ClaimDocument) {
	for _, doc := range docs {
		_ = u.store.Delete(ctx, doc.ObjectKey)
	}
}

// Open returns the contents of a stored document.
func (u *Uploader) Open(ctx context.Context, doc types.ClaimDocument) (io.ReadCloser, error) {
	return u.store.Open(ctx, doc.ObjectKey)
}
