package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"filegate/internal/storage"
)

// tokenPrefix marks gateway-minted tokens so they are recognizable in
// logs and cache dumps without being guessable.
const tokenPrefix = "local_credential:"

const defaultSimpleTTL = 1 * time.Hour

// ErrInvalidCredential is returned for tokens that are unknown or
// expired. The two cases are intentionally indistinguishable.
var ErrInvalidCredential = errors.New("invalid credential")

// Fields is the backend-specific portion of a temporary credential.
type Fields struct {
	// Credential is the opaque token for local-platform credentials, and
	// empty for native ones.
	Credential string `json:"credential,omitempty"`

	// Dir is the key prefix the credential is scoped to.
	Dir string `json:"dir,omitempty"`

	// ReadHost and WriteHost are the out-of-band transfer endpoints for
	// the local platform.
	ReadHost  string `json:"read_host,omitempty"`
	WriteHost string `json:"host,omitempty"`

	// Native STS-style fields, set for the cloud platform.
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
}

// Temporary is a time-boxed upload/download credential for one bucket
// class. For the cloud platform the fields come from the provider's own
// STS mechanism; for the local platform the credential is a capability
// token whose authorization lives in the broker's Store.
type Temporary struct {
	Platform  string    `json:"platform"`
	ExpiresAt time.Time `json:"expires"`
	Fields    Fields    `json:"temporary_credential"`
}

// TTL reports the credential's remaining lifetime.
func (t *Temporary) TTL() time.Duration {
	return time.Until(t.ExpiresAt)
}

// BrokerConfig carries the deployment-supplied hosts handed out with
// local-platform credentials.
type BrokerConfig struct {
	// ReadHost is where objects written through a local credential can
	// be fetched from.
	ReadHost string
	// WriteHost is where uploads carrying a local credential go.
	WriteHost string
	// SimpleTTL bounds simple upload credentials. Zero means one hour.
	SimpleTTL time.Duration
}

// Broker issues and validates temporary credentials. Issuance for cloud
// backends delegates to the backend's own credential mechanism; for local
// backends the broker mints an opaque token and records its authorization
// as a TTL-bound Store entry.
type Broker struct {
	registry *storage.Registry
	store    Store
	cfg      BrokerConfig
}

func NewBroker(registry *storage.Registry, store Store, cfg BrokerConfig) *Broker {
	if cfg.SimpleTTL <= 0 {
		cfg.SimpleTTL = defaultSimpleTTL
	}
	return &Broker{registry: registry, store: store, cfg: cfg}
}

// IssueSimple issues an upload credential for one bucket class. With
// useSTS, cloud backends return assume-role credentials instead of their
// static scheme; local backends behave identically either way.
func (b *Broker) IssueSimple(ctx context.Context, org string, class storage.Class, contentType string, useSTS bool) (*Temporary, error) {
	backend, err := b.registry.Lookup(class)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(b.cfg.SimpleTTL)

	if backend.Platform() == storage.PlatformLocal {
		return b.mintLocal(org, "", expiresAt)
	}

	issuer, ok := backend.(storage.CredentialIssuer)
	if !ok {
		return nil, fmt.Errorf("backend for class %q cannot issue credentials", class)
	}

	native, err := issuer.IssueCredential(ctx, org, "", b.cfg.SimpleTTL, useSTS)
	if err != nil {
		return nil, err
	}
	return nativeTemporary(native, expiresAt), nil
}

// IssueScoped issues an STS-style credential bound to a directory prefix
// under the organization. All reads and writes under the credential must
// fall below org/dir.
func (b *Broker) IssueScoped(ctx context.Context, org string, class storage.Class, dir string, ttl time.Duration) (*Temporary, error) {
	backend, err := b.registry.Lookup(class)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = b.cfg.SimpleTTL
	}
	expiresAt := time.Now().Add(ttl)

	if backend.Platform() == storage.PlatformLocal {
		scoped := org + "/" + strings.Trim(dir, "/")
		return b.mintLocal(org, scoped, expiresAt)
	}

	issuer, ok := backend.(storage.CredentialIssuer)
	if !ok {
		return nil, fmt.Errorf("backend for class %q cannot issue credentials", class)
	}

	native, err := issuer.IssueCredential(ctx, org, dir, ttl, true)
	if err != nil {
		return nil, err
	}
	return nativeTemporary(native, expiresAt), nil
}

// Validate resolves a gateway-minted token to its organization. Unknown
// and expired tokens fail identically.
func (b *Broker) Validate(token string) (string, error) {
	org, ok := b.store.Get(token)
	if !ok {
		return "", ErrInvalidCredential
	}
	return org, nil
}

// mintLocal creates an opaque capability token and records its binding.
// The binding's lifetime matches the credential's, so expiry needs no
// explicit revocation.
func (b *Broker) mintLocal(org, dir string, expiresAt time.Time) (*Temporary, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	b.store.Put(token, org, time.Until(expiresAt))

	return &Temporary{
		Platform:  storage.PlatformLocal,
		ExpiresAt: expiresAt,
		Fields: Fields{
			Credential: token,
			Dir:        dir,
			ReadHost:   b.cfg.ReadHost,
			WriteHost:  b.cfg.WriteHost,
		},
	}, nil
}

func nativeTemporary(native *storage.NativeCredential, expiresAt time.Time) *Temporary {
	return &Temporary{
		Platform:  storage.PlatformCloud,
		ExpiresAt: expiresAt,
		Fields: Fields{
			Dir:             native.Dir,
			AccessKeyID:     native.AccessKeyID,
			SecretAccessKey: native.SecretAccessKey,
			SessionToken:    native.SessionToken,
			Bucket:          native.Bucket,
			Region:          native.Region,
			Endpoint:        native.Endpoint,
		},
	}
}

// newToken returns tokenPrefix plus 32 hex characters of entropy.
func newToken() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate credential token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(raw[:]), nil
}
