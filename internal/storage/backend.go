package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Platform identifiers reported by backends in credential responses so
// callers know whether they received a native cloud credential or a
// gateway-minted local one.
const (
	PlatformCloud = "cloud"
	PlatformLocal = "local"
)

// Class names a policy bucket (visibility plus backing store). Classes are
// bound to concrete backends through a Registry.
type Class string

const (
	ClassPublic  Class = "public"
	ClassPrivate Class = "private"
)

var (
	// ErrUnsupportedClass is returned when a bucket class has no backend
	// registered for it.
	ErrUnsupportedClass = errors.New("unsupported bucket class")

	// ErrStorageIO wraps read/write failures of the underlying store.
	ErrStorageIO = errors.New("storage i/o error")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Part identifies one uploaded piece of a multipart upload.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

// LinkOptions adjust link generation.
type LinkOptions struct {
	// DownloadName forces a download filename via content disposition.
	DownloadName string
	// Expires bounds the validity of signed links. Zero means the
	// backend's default.
	Expires time.Duration
}

// NativeCredential carries a backend-native temporary credential, produced
// by backends that implement CredentialIssuer.
type NativeCredential struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Bucket          string
	Region          string
	Endpoint        string
	Dir             string
}

// Backend is the uniform surface over a concrete object store. Keys are
// slash-separated paths whose first segment is the owning organization.
type Backend interface {
	// Platform reports which credential scheme this backend speaks,
	// one of PlatformCloud or PlatformLocal.
	Platform() string

	// Write durably stores size bytes from r at key. The object is not
	// visible at key until Write returns nil.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// ReadRange returns length bytes starting at offset. The final range
	// of an object may return fewer bytes than requested.
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Stat returns object metadata, or (nil, nil) when the key does not
	// exist. Absence is an empty state, not an error.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Link returns an externally usable URL for key, or "" when the key
	// does not exist.
	Link(ctx context.Context, key string, opts LinkOptions) (string, error)

	// Delete removes key. Deleting a nonexistent key is a no-op.
	Delete(ctx context.Context, key string) error

	// ListPrefix returns the keys stored under the given prefix.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)

	// InitiateMultipart opens a multipart upload for key and returns the
	// backend's upload identifier.
	InitiateMultipart(ctx context.Context, key, contentType string) (string, error)

	// WritePart stores one part of a multipart upload. Writing the same
	// part number twice overwrites the earlier part.
	WritePart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (Part, error)

	// CompleteMultipart merges the given parts, in part-number order,
	// into the single object at key.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part, contentType string) error

	// AbortMultipart discards an in-progress multipart upload.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// CredentialIssuer is implemented by backends that can mint native
// temporary credentials. Backends without native support rely on the
// gateway's own token scheme instead. With sts set, the credential must
// come from the provider's STS equivalent; otherwise the backend may hand
// out its static scheme.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, org, dir string, ttl time.Duration, sts bool) (*NativeCredential, error)
}

// Registry maps bucket classes to backends. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	backends map[Class]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[Class]Backend)}
}

func (r *Registry) Register(class Class, b Backend) {
	r.backends[class] = b
}

// Lookup resolves a bucket class to its backend.
func (r *Registry) Lookup(class Class) (Backend, error) {
	b, ok := r.backends[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedClass, class)
	}
	return b, nil
}

// Classes returns the registered bucket classes.
func (r *Registry) Classes() []Class {
	classes := make([]Class, 0, len(r.backends))
	for class := range r.backends {
		classes = append(classes, class)
	}
	return classes
}
