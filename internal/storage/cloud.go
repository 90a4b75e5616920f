package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultLinkTTL = 1 * time.Hour

// Cloud is a Backend backed by an S3-compatible object store. Multipart
// uploads delegate to the provider's part-upload primitive through the
// low-level Core client, and temporary credentials come from the
// provider's STS endpoint when one is configured.
type Cloud struct {
	client    *minio.Client
	core      *minio.Core
	cfg       CloudConfig
	publicURL string
}

// CloudConfig configures a Cloud backend.
type CloudConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool

	// SignLinks presigns generated links. When false, links are plain
	// URLs under PublicHost (or the endpoint), suitable for buckets with
	// public read policies.
	SignLinks bool

	// PublicHost overrides the host used for unsigned links, for
	// deployments that front the bucket with a CDN.
	PublicHost string

	// STSEndpoint, when set, enables native temporary credentials via
	// AssumeRole against this endpoint.
	STSEndpoint string

	// LinkTTL bounds presigned link validity. Zero means one hour.
	LinkTTL time.Duration
}

// NewCloud builds a Cloud backend and its low-level multipart client.
func NewCloud(cfg CloudConfig) (*Cloud, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	core, err := minio.NewCore(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create object store core client: %w", err)
	}

	publicURL := cfg.PublicHost
	if publicURL == "" {
		publicURL = client.EndpointURL().String() + "/" + cfg.Bucket
	}

	return &Cloud{
		client:    client,
		core:      core,
		cfg:       cfg,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

func (c *Cloud) Platform() string {
	return PlatformCloud
}

func (c *Cloud) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := c.client.PutObject(ctx, c.cfg.Bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrStorageIO, key, err)
	}
	return nil
}

func (c *Cloud) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("%w: range %q: %v", ErrStorageIO, key, err)
	}

	obj, err := c.client.GetObject(ctx, c.cfg.Bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrStorageIO, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrStorageIO, key, err)
	}
	return data, nil
}

func (c *Cloud) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, c.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: stat %q: %v", ErrStorageIO, key, err)
	}

	return &ObjectInfo{
		Key:         key,
		Size:        info.Size,
		ContentType: info.ContentType,
	}, nil
}

func (c *Cloud) Link(ctx context.Context, key string, opts LinkOptions) (string, error) {
	info, err := c.Stat(ctx, key)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}

	if !c.cfg.SignLinks {
		segments := strings.Split(strings.Trim(key, "/"), "/")
		for i, seg := range segments {
			segments[i] = url.PathEscape(seg)
		}
		return c.publicURL + "/" + strings.Join(segments, "/"), nil
	}

	ttl := opts.Expires
	if ttl <= 0 {
		ttl = c.cfg.LinkTTL
	}
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}

	reqParams := make(url.Values)
	if opts.DownloadName != "" {
		reqParams.Set("response-content-disposition",
			fmt.Sprintf("attachment; filename=%q", opts.DownloadName))
	}

	u, err := c.client.PresignedGetObject(ctx, c.cfg.Bucket, key, ttl, reqParams)
	if err != nil {
		return "", fmt.Errorf("%w: presign %q: %v", ErrStorageIO, key, err)
	}
	return u.String(), nil
}

func (c *Cloud) Delete(ctx context.Context, key string) error {
	// RemoveObject on a missing key succeeds, matching the idempotent
	// delete contract.
	if err := c.client.RemoveObject(ctx, c.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrStorageIO, key, err)
	}
	return nil
}

func (c *Cloud) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for objectInfo := range c.client.ListObjects(ctx, c.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if objectInfo.Err != nil {
			return nil, fmt.Errorf("%w: list %q: %v", ErrStorageIO, prefix, objectInfo.Err)
		}
		keys = append(keys, objectInfo.Key)
	}
	return keys, nil
}

func (c *Cloud) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	uploadID, err := c.core.NewMultipartUpload(ctx, c.cfg.Bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: initiate multipart %q: %v", ErrStorageIO, key, err)
	}
	return uploadID, nil
}

func (c *Cloud) WritePart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (Part, error) {
	objPart, err := c.core.PutObjectPart(ctx, c.cfg.Bucket, key, uploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return Part{}, fmt.Errorf("%w: write part %d of %q: %v", ErrStorageIO, partNumber, key, err)
	}
	return Part{Number: objPart.PartNumber, ETag: objPart.ETag, Size: objPart.Size}, nil
}

func (c *Cloud) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part, contentType string) error {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, part := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: part.Number,
			ETag:       part.ETag,
		})
	}

	_, err := c.core.CompleteMultipartUpload(ctx, c.cfg.Bucket, key, uploadID, completeParts,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("%w: complete multipart %q: %v", ErrStorageIO, key, err)
	}
	return nil
}

func (c *Cloud) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := c.core.AbortMultipartUpload(ctx, c.cfg.Bucket, key, uploadID); err != nil {
		return fmt.Errorf("%w: abort multipart %q: %v", ErrStorageIO, key, err)
	}
	return nil
}

// IssueCredential mints a native temporary credential for the bucket,
// using STS AssumeRole when requested and an STS endpoint is configured,
// and falling back to the static account keys otherwise. The dir scope is
// advisory for the fallback; AssumeRole scopes it through a session
// policy.
func (c *Cloud) IssueCredential(ctx context.Context, org, dir string, ttl time.Duration, sts bool) (*NativeCredential, error) {
	scope := strings.Trim(org+"/"+strings.Trim(dir, "/"), "/")

	if !sts || c.cfg.STSEndpoint == "" {
		return &NativeCredential{
			AccessKeyID:     c.cfg.AccessKey,
			SecretAccessKey: c.cfg.SecretKey,
			Bucket:          c.cfg.Bucket,
			Region:          c.cfg.Region,
			Endpoint:        c.cfg.Endpoint,
			Dir:             scope,
		}, nil
	}

	assumed, err := credentials.NewSTSAssumeRole(c.cfg.STSEndpoint, credentials.STSAssumeRoleOptions{
		AccessKey:       c.cfg.AccessKey,
		SecretKey:       c.cfg.SecretKey,
		Policy:          prefixPolicy(c.cfg.Bucket, scope),
		DurationSeconds: int(ttl.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("assume role: %w", err)
	}

	value, err := assumed.Get()
	if err != nil {
		return nil, fmt.Errorf("assume role: %w", err)
	}

	return &NativeCredential{
		AccessKeyID:     value.AccessKeyID,
		SecretAccessKey: value.SecretAccessKey,
		SessionToken:    value.SessionToken,
		Bucket:          c.cfg.Bucket,
		Region:          c.cfg.Region,
		Endpoint:        c.cfg.Endpoint,
		Dir:             scope,
	}, nil
}

// prefixPolicy restricts an assumed role to reads and writes under a
// single key prefix.
func prefixPolicy(bucket, prefix string) string {
	resource := fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, prefix)
	return fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Action": ["s3:GetObject", "s3:PutObject"],
      "Resource": ["%s"]
    }
  ]
}`, resource)
}
