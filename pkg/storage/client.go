package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/media"
)

// Scheme is the URI scheme served by this package.
const Scheme = "s3"

// objectAPI is the subset of the S3 client used here.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Options configures the S3 client.
type Options struct {
	Region string

	// Anonymous skips the credential chain, for public buckets.
	Anonymous bool

	// MaxObjectSize stops Load from downloading objects larger than this.
	// The returned File then carries the size only, so validation rejects it.
	MaxObjectSize int64
}

// Client loads images from S3
type Client struct {
	api     objectAPI
	maxSize int64
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "region", opts.Region, "anonymous", opts.Anonymous)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return newClient(s3.NewFromConfig(cfg), opts.MaxObjectSize), nil
}

func newClient(api objectAPI, maxSize int64) *Client {
	return &Client{api: api, maxSize: maxSize}
}

// URI is a parsed s3://bucket/key reference.
type URI struct {
	Bucket string
	Key    string
}

func (u URI) String() string {
	return Scheme + "://" + u.Bucket + "/" + u.Key
}

// ParseURI parses s3://bucket/key. The key may be empty or a prefix.
func ParseURI(ref string) (URI, error) {
	rest, ok := strings.CutPrefix(ref, Scheme+"://")
	if !ok {
		return URI{}, fmt.Errorf("not an s3 reference: %q", ref)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return URI{}, fmt.Errorf("missing bucket in %q", ref)
	}
	return URI{Bucket: bucket, Key: key}, nil
}

// Load fetches the object at ref. Its declared media type is the object's
// Content-Type, the same way a browser reports the type of a picked file.
func (c *Client) Load(ctx context.Context, ref string) (*media.File, error) {
	uri, err := ParseURI(ref)
	if err != nil {
		return nil, err
	}
	if uri.Key == "" || strings.HasSuffix(uri.Key, "/") {
		return nil, fmt.Errorf("s3 reference %q names a prefix, not an object", ref)
	}

	slog.Info("s3_download_start", "bucket", uri.Bucket, "s3_key", uri.Key)

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", uri.Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	name := path.Base(uri.Key)
	mediaType := declaredType(aws.ToString(result.ContentType))
	size := aws.ToInt64(result.ContentLength)

	if c.maxSize > 0 && size > c.maxSize {
		slog.Info("s3_download_skipped_oversize", "s3_key", uri.Key, "size", size, "limit", c.maxSize)
		return &media.File{Name: name, MediaType: mediaType, Size: size}, nil
	}

	hash := sha256.New()
	data, err := io.ReadAll(io.TeeReader(result.Body, hash))
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", uri.Key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete",
		"s3_key", uri.Key,
		"size", len(data),
		"media_type", mediaType,
		"sha256", checksum[:16]+"...",
	)

	return media.NewFile(name, mediaType, data), nil
}

// ListObjects lists all object references under prefix, which is an
// s3://bucket/prefix reference.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	uri, err := ParseURI(prefix)
	if err != nil {
		return nil, err
	}

	slog.Info("s3_list_start", "bucket", uri.Bucket, "prefix", uri.Key)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(uri.Bucket),
		Prefix: aws.String(uri.Key),
	}

	var refs []string
	paginator := s3.NewListObjectsV2Paginator(c.api, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", uri.Key, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			refs = append(refs, URI{Bucket: uri.Bucket, Key: *obj.Key}.String())
		}
	}

	slog.Info("s3_list_complete", "prefix", uri.Key, "object_count", len(refs))

	return refs, nil
}

// declaredType strips parameters and treats the generic binary type as unknown.
func declaredType(contentType string) string {
	t, _, _ := strings.Cut(contentType, ";")
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "binary/octet-stream" || t == "application/octet-stream" {
		return ""
	}
	return t
}
