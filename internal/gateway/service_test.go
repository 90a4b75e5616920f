package gateway

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filegate/internal/credential"
	"filegate/internal/storage"
	"filegate/internal/transfer"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	service, err := NewService(NewConfig(
		WithDataDir(t.TempDir()),
		WithHosts("http://files.example.test", "http://upload.example.test"),
		WithCallbackHost("http://callback.example.test"),
	))
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func putObject(t *testing.T, s *Service, key string, payload []byte) {
	t.Helper()
	backend, err := s.registry.Lookup(storage.ClassPrivate)
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), key, bytes.NewReader(payload), int64(len(payload)), "application/octet-stream"))
}

func TestOrgFromKey(t *testing.T) {
	require.Equal(t, "org1", OrgFromKey("org1/docs/readme.md"))
	require.Equal(t, "org1", OrgFromKey("/org1/docs/readme.md"))
	require.Equal(t, "org1", OrgFromKey("org1"))
	require.Equal(t, "", OrgFromKey(""))
	require.Equal(t, "", OrgFromKey("/"))
}

func TestCredentialRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	tmp, err := s.IssueUploadCredential(ctx, "org1", storage.ClassPrivate, "text/plain", false)
	require.NoError(t, err)
	require.Equal(t, storage.PlatformLocal, tmp.Platform)
	require.NotEmpty(t, tmp.Fields.Credential)

	payload := []byte("credentialed upload")
	key, err := s.UploadViaCredential(ctx, tmp.Fields.Credential, "org1/files/note.txt",
		bytes.NewReader(payload), int64(len(payload)), "text/plain")
	require.NoError(t, err)
	require.Equal(t, "org1/files/note.txt", key)

	link, err := s.GetLink(ctx, "org1", key, storage.ClassPrivate, "")
	require.NoError(t, err)
	require.NotEmpty(t, link)
}

func TestUploadRejectsBadToken(t *testing.T) {
	s := newTestService(t)

	_, err := s.UploadViaCredential(context.Background(), "local_credential:ffffffffffffffffffffffffffffffff",
		"org1/a.txt", bytes.NewReader([]byte("x")), 1, "")
	require.ErrorIs(t, err, credential.ErrInvalidCredential)
}

func TestUploadRejectsCrossOrganizationKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	tmp, err := s.IssueUploadCredential(ctx, "org1", storage.ClassPrivate, "", false)
	require.NoError(t, err)

	// The credential binds org1; a key under another organization's
	// prefix must be refused no matter what the caller claims.
	_, err = s.UploadViaCredential(ctx, tmp.Fields.Credential, "org2/sneaky.txt",
		bytes.NewReader([]byte("x")), 1, "")
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestDownloadCredentialShape(t *testing.T) {
	s := newTestService(t)

	cred, err := s.IssueDownloadCredential(context.Background(), "org1", storage.ClassPrivate, "workspace", 7200)
	require.NoError(t, err)

	require.Equal(t, storage.PlatformLocal, cred.Platform)
	require.Equal(t, "org1/workspace", cred.Fields.Dir)
	require.Equal(t, "http://files.example.test", cred.Fields.ReadHost)
	require.Equal(t, "http://upload.example.test", cred.Fields.WriteHost)
	require.Equal(t, "http://callback.example.test", cred.CallbackHost)
	require.InDelta(t, 7200, time.Until(cred.ExpiresAt).Seconds(), 5)
}

func TestGetLinkMissingObject(t *testing.T) {
	s := newTestService(t)

	link, err := s.GetLink(context.Background(), "org1", "org1/ghost.bin", storage.ClassPrivate, "")
	require.NoError(t, err)
	require.Empty(t, link)
}

func TestGetLinksBatchNeverFailsWhole(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	putObject(t, s, "org1/present.txt", []byte("here"))

	links, err := s.GetLinksBatch(ctx, []string{"org1/present.txt", "org2/absent.txt", ""})
	require.NoError(t, err)
	require.Len(t, links, 3)
	require.NotEmpty(t, links["org1/present.txt"])
	require.Empty(t, links["org2/absent.txt"])
	require.Empty(t, links[""])
}

func TestChunkedRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	payload := make([]byte, 300<<10)
	for i := range payload {
		payload[i] = byte(i % 253)
	}

	chunkSize := int64(128 << 10)
	for index := 0; index < 3; index++ {
		start := int64(index) * chunkSize
		end := start + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}

		receipt, err := s.ChunkUpload(ctx, "org1", storage.ClassPrivate, "org1/big/blob.bin", transfer.Chunk{
			UploadID:  "sess-1",
			Index:     index,
			TotalSize: int64(len(payload)),
			ChunkSize: chunkSize,
			Payload:   payload[start:end],
		})
		require.NoError(t, err)
		require.Equal(t, 3, receipt.TotalChunks)
	}

	target := filepath.Join(t.TempDir(), "blob.bin")
	err := s.DownloadByChunks(ctx, "org1", "org1/big/blob.bin", target, storage.ClassPrivate, transfer.DownloadOptions{
		ChunkSize:      64 << 10,
		MaxConcurrency: 4,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "downloaded file must match the uploaded object")
}

func TestDefaultIcons(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	putObject(t, s, "default/icon/doc.png", []byte("png"))
	putObject(t, s, "default/icon/pdf.png", []byte("png"))

	icons, err := s.DefaultIcons(ctx)
	require.NoError(t, err)
	require.Len(t, icons, 2)
	for _, icon := range icons {
		require.NotEmpty(t, icon.URL)
	}
}

func TestDeleteScoped(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	putObject(t, s, "org1/trash.txt", []byte("x"))

	require.ErrorIs(t, s.Delete(ctx, "org2", "org1/trash.txt", storage.ClassPrivate), ErrAccessDenied)
	require.NoError(t, s.Delete(ctx, "org1", "org1/trash.txt", storage.ClassPrivate))

	link, err := s.GetLink(ctx, "org1", "org1/trash.txt", storage.ClassPrivate, "")
	require.NoError(t, err)
	require.Empty(t, link)
}
