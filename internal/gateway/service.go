package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"filegate/internal/credential"
	"filegate/internal/storage"
	"filegate/internal/transfer"
)

// Service is the file storage gateway: it issues temporary credentials,
// abstracts over the configured storage backends, and drives chunked
// transfer of large objects. Callers are expected to have been
// authenticated upstream; the service's own checks are about credential
// validity and organization scope, not identity.
type Service struct {
	cfg        Config
	registry   *storage.Registry
	local      *storage.Local
	broker     *credential.Broker
	uploader   *transfer.Uploader
	downloader *transfer.Downloader
}

// NewService builds the backend registry from cfg and wires the
// credential broker and transfer coordinators on top of it.
func NewService(cfg Config) (*Service, error) {
	local, err := storage.NewLocal(storage.LocalConfig{
		Root:     cfg.DataDir,
		ReadHost: cfg.ReadHost,
	})
	if err != nil {
		return nil, fmt.Errorf("create local backend: %w", err)
	}

	registry := storage.NewRegistry()
	registry.Register(storage.ClassPublic, local)
	registry.Register(storage.ClassPrivate, local)

	if cfg.Cloud.Endpoint != "" {
		cloud, err := storage.NewCloud(cfg.Cloud)
		if err != nil {
			_ = local.Close()
			return nil, fmt.Errorf("create cloud backend: %w", err)
		}
		registry.Register(storage.ClassPrivate, cloud)
		slog.Info("Cloud backend registered",
			"endpoint", cfg.Cloud.Endpoint, "bucket", cfg.Cloud.Bucket)
	}

	store := credential.NewLRUStore(0)
	broker := credential.NewBroker(registry, store, credential.BrokerConfig{
		ReadHost:  cfg.ReadHost,
		WriteHost: cfg.WriteHost,
		SimpleTTL: cfg.CredentialTTL,
	})

	return &Service{
		cfg:        cfg,
		registry:   registry,
		local:      local,
		broker:     broker,
		uploader:   transfer.NewUploader(registry),
		downloader: transfer.NewDownloader(registry),
	}, nil
}

// Close releases the service's backends.
func (s *Service) Close() error {
	return s.local.Close()
}

// DownloadCredential is the response shape for IssueDownloadCredential.
// It extends the plain credential with the host external workers call
// back into.
type DownloadCredential struct {
	credential.Temporary
	CallbackHost string `json:"callback_host,omitempty"`
}

// IssueUploadCredential issues a simple, time-boxed upload credential for
// one bucket class.
func (s *Service) IssueUploadCredential(ctx context.Context, org string, class storage.Class, contentType string, useSTS bool) (*credential.Temporary, error) {
	return s.broker.IssueSimple(ctx, org, class, contentType, useSTS)
}

// IssueDownloadCredential issues an STS-style credential scoped to a
// directory prefix under the organization.
func (s *Service) IssueDownloadCredential(ctx context.Context, org string, class storage.Class, dir string, ttlSeconds int) (*DownloadCredential, error) {
	ttl := secondsToDuration(ttlSeconds)
	tmp, err := s.broker.IssueScoped(ctx, org, class, dir, ttl)
	if err != nil {
		return nil, err
	}

	return &DownloadCredential{
		Temporary:    *tmp,
		CallbackHost: s.cfg.CallbackHost,
	}, nil
}

// UploadViaCredential stores size bytes from r at key, authorized by a
// gateway-minted token. The organization comes from the credential
// binding, never from the caller or the key, and the key must fall inside
// that organization's space.
func (s *Service) UploadViaCredential(ctx context.Context, token, key string, r io.Reader, size int64, contentType string) (string, error) {
	org, err := s.broker.Validate(token)
	if err != nil {
		return "", err
	}

	if err := enforceKeyScope(org, key); err != nil {
		return "", err
	}

	backend, err := s.registry.Lookup(storage.ClassPrivate)
	if err != nil {
		return "", err
	}

	if err := backend.Write(ctx, key, r, size, contentType); err != nil {
		return "", err
	}

	slog.Info("Object uploaded", "org", org, "key", key, "size", size)
	return key, nil
}

// GetLink resolves an externally usable URL for key, or "" when the
// object does not exist. Absence is an empty state, not an error.
func (s *Service) GetLink(ctx context.Context, org, key string, class storage.Class, downloadName string) (string, error) {
	if class == "" {
		class = storage.ClassPrivate
	}

	if err := enforceKeyScope(org, key); err != nil {
		return "", err
	}

	backend, err := s.registry.Lookup(class)
	if err != nil {
		return "", err
	}

	return backend.Link(ctx, key, storage.LinkOptions{DownloadName: downloadName})
}

// GetLinksBatch resolves links for many public keys, deriving each key's
// organization from its first path segment. Missing objects map to "";
// one missing key never fails the batch.
func (s *Service) GetLinksBatch(ctx context.Context, keys []string) (map[string]string, error) {
	backend, err := s.registry.Lookup(storage.ClassPublic)
	if err != nil {
		return nil, err
	}

	links := make(map[string]string, len(keys))
	for _, key := range keys {
		if OrgFromKey(key) == "" {
			links[key] = ""
			continue
		}
		link, err := backend.Link(ctx, key, storage.LinkOptions{})
		if err != nil {
			slog.Warn("Link resolution failed", "key", key, "err", err)
			link = ""
		}
		links[key] = link
	}
	return links, nil
}

// PublicDownloadLink resolves a public read link for an unauthenticated
// caller, trusting the key's first segment as the organization. This
// trust is read-only.
func (s *Service) PublicDownloadLink(ctx context.Context, key string) (string, error) {
	org := OrgFromKey(key)
	if org == "" {
		return "", nil
	}
	return s.GetLink(ctx, org, key, storage.ClassPublic, "")
}

// ChunkUpload applies one chunk of a chunked upload, creating the session
// on the first chunk and finalizing after the last.
func (s *Service) ChunkUpload(ctx context.Context, org string, class storage.Class, key string, chunk transfer.Chunk) (*transfer.Receipt, error) {
	if class == "" {
		class = storage.ClassPrivate
	}

	if err := enforceKeyScope(org, key); err != nil {
		return nil, err
	}

	return s.uploader.Push(ctx, org, class, key, chunk)
}

// DownloadByChunks fetches a stored object into localPath using parallel
// ranged reads.
func (s *Service) DownloadByChunks(ctx context.Context, org, key, localPath string, class storage.Class, opts transfer.DownloadOptions) error {
	if class == "" {
		class = storage.ClassPrivate
	}

	if err := enforceKeyScope(org, key); err != nil {
		return err
	}

	return s.downloader.Download(ctx, org, key, localPath, class, opts)
}

// IconFile is one entry of the default icon set.
type IconFile struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// DefaultIcons lists the shared default icon set with resolved links.
func (s *Service) DefaultIcons(ctx context.Context) ([]IconFile, error) {
	backend, err := s.registry.Lookup(storage.ClassPublic)
	if err != nil {
		return nil, err
	}

	keys, err := backend.ListPrefix(ctx, s.cfg.IconPrefix)
	if err != nil {
		return nil, err
	}

	icons := make([]IconFile, 0, len(keys))
	for _, key := range keys {
		link, err := backend.Link(ctx, key, storage.LinkOptions{})
		if err != nil {
			return nil, err
		}
		icons = append(icons, IconFile{Key: key, URL: link})
	}
	return icons, nil
}

// Delete removes key from the class's backend. The organization must come
// from a validated credential; deleting a nonexistent key succeeds.
func (s *Service) Delete(ctx context.Context, org, key string, class storage.Class) error {
	if class == "" {
		class = storage.ClassPrivate
	}

	if err := enforceKeyScope(org, key); err != nil {
		return err
	}

	backend, err := s.registry.Lookup(class)
	if err != nil {
		return err
	}
	return backend.Delete(ctx, key)
}

// ReadObject streams a stored object, for the local read host path.
func (s *Service) ReadObject(ctx context.Context, key string, class storage.Class) (*storage.ObjectInfo, []byte, error) {
	backend, err := s.registry.Lookup(class)
	if err != nil {
		return nil, nil, err
	}

	info, err := backend.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if info == nil {
		return nil, nil, nil
	}

	data, err := backend.ReadRange(ctx, key, 0, info.Size)
	if err != nil {
		return nil, nil, err
	}
	return info, data, nil
}

func secondsToDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
