// Package backup ships gzipped snapshots of the content document to an
// S3-compatible bucket and keeps the newest few.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"preview-gate/internal/model"
	"preview-gate/internal/store"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	keyStem   = "previews-"
	keySuffix = ".json.gz"
	// keyTime sorts lexically in chronological order.
	keyTime = "2006-01-02T15-04-05Z"
)

var ErrNoBackup = errors.New("no backup found")

// API is the subset of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type ClientOptions struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client for AWS or, with an endpoint, any
// S3-compatible store. Without static keys the default credential chain
// applies.
func NewS3Client(ctx context.Context, opts ClientOptions) (*s3.Client, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type Options struct {
	Bucket string
	Prefix string
	// Keep is how many snapshots survive rotation; zero disables rotation.
	Keep int
}

type Backuper struct {
	client API
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

func New(client API, opts Options, logger *zap.Logger) *Backuper {
	return &Backuper{client: client, opts: opts, now: time.Now, logger: logger}
}

// Backup uploads a snapshot of items and rotates old snapshots. A failed
// rotation is logged; the upload still counts.
func (b *Backuper) Backup(ctx context.Context, items []model.ContentItem) (string, error) {
	doc, err := store.EncodeDocument(items)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	key := b.opts.Prefix + keyStem + b.now().UTC().Format(keyTime) + keySuffix
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(b.opts.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	b.logger.Info("Backup uploaded",
		zap.String("bucket", b.opts.Bucket), zap.String("key", key), zap.Int("items", len(items)))

	if _, err := b.Rotate(ctx); err != nil {
		b.logger.Warn("Backup rotation failed", zap.Error(err))
	}
	return key, nil
}

// List returns snapshot keys, newest first.
func (b *Backuper) List(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.opts.Bucket),
		Prefix: aws.String(b.opts.Prefix + keyStem),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, keySuffix) {
				keys = append(keys, key)
			}
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

// Rotate deletes all but the newest Keep snapshots and returns the deleted keys.
func (b *Backuper) Rotate(ctx context.Context) ([]string, error) {
	if b.opts.Keep <= 0 {
		return nil, nil
	}
	keys, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) <= b.opts.Keep {
		return nil, nil
	}

	var deleted []string
	for _, key := range keys[b.opts.Keep:] {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.opts.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			b.logger.Warn("Failed to delete old backup", zap.String("key", key), zap.Error(err))
			continue
		}
		b.logger.Info("Deleted old backup", zap.String("key", key))
		deleted = append(deleted, key)
	}
	return deleted, nil
}

// Restore downloads a snapshot, the newest one when key is empty.
func (b *Backuper) Restore(ctx context.Context, key string) ([]model.ContentItem, error) {
	if key == "" {
		keys, err := b.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, ErrNoBackup
		}
		key = keys[0]
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	zr, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return store.DecodeDocument(data)
}
