// Package s3 serves the public root from an S3-compatible bucket.
//
// Object keys are Prefix + relative path. A folder exists when a marker
// object "<path>/" exists or when any key lives under "<path>/".
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/retry"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements storage.FileSystem on top of a bucket.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	retry  retry.Config
}

// New creates a new S3 backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	b := &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
		retry:  retry.DefaultConfig(),
	}

	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return b, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if createErr != nil {
		metrics.RecordS3Operation("create_bucket", time.Since(start), false)
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	metrics.RecordS3Operation("create_bucket", time.Since(start), true)
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// objectKey maps a relative file name to its key.
func (b *Backend) objectKey(name string) string {
	return b.prefix + name
}

// dirKey maps a relative directory to the key prefix of its contents. The
// root maps to the bare prefix.
func (b *Backend) dirKey(dir string) string {
	if dir == "" {
		return b.prefix
	}
	return b.prefix + dir + "/"
}

// call runs one S3 request with metrics and, for transient failures,
// the retry policy.
func call[T any](ctx context.Context, b *Backend, op string, fn func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, b.retry, func() (T, error) {
		start := time.Now()
		v, err := fn(ctx)
		metrics.RecordS3Operation(op, time.Since(start), err == nil)
		if err != nil && isTransient(err) {
			return v, retry.Retryable(err)
		}
		return v, err
	})
}

func apiCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isTransient(err error) bool {
	switch apiCode(err) {
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout", "RequestTimeTooSkewed":
		return true
	}
	return false
}

// mapErr translates S3 error codes into the storage error classes.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch apiCode(err) {
	case "NotFound", "NoSuchKey":
		return fmt.Errorf("%w: %v", storage.ErrNotExist, err)
	case "PreconditionFailed", "ConditionalRequestConflict":
		return fmt.Errorf("%w: %v", storage.ErrExist, err)
	case "AccessDenied", "Forbidden":
		return fmt.Errorf("%w: %v", storage.ErrPermission, err)
	}
	return err
}

// list returns up to limit entries directly under dir (limit <= 0 lists all).
// Sub-folders come back as CommonPrefixes, files as Contents.
func (b *Backend) list(ctx context.Context, dir string, limit int32) (folders, files []string, err error) {
	prefix := b.dirKey(dir)
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(limit)
	}

	for {
		out, err := call(ctx, b, "list_objects", func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
			return b.client.ListObjectsV2(ctx, input)
		})
		if err != nil {
			return nil, nil, mapErr(err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				folders = append(folders, name)
			}
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue // the folder's own marker
			}
			files = append(files, name)
		}
		if limit > 0 || !aws.ToBool(out.IsTruncated) {
			return folders, files, nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}

// ReadDir lists folders first, then files, each in key order.
func (b *Backend) ReadDir(ctx context.Context, dir string) ([]string, error) {
	dir, err := storage.Clean(dir)
	if err != nil {
		return nil, err
	}
	info, err := b.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("read dir %q: %w", dir, storage.ErrNotDir)
	}
	folders, files, err := b.list(ctx, dir, 0)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}
	return append(folders, files...), nil
}

// Stat reports an object as a file and a marker or non-empty prefix as a folder.
func (b *Backend) Stat(ctx context.Context, name string) (storage.FileInfo, error) {
	name, err := storage.Clean(name)
	if err != nil {
		return storage.FileInfo{}, err
	}
	if name == "" {
		return storage.FileInfo{Kind: storage.KindDir}, nil
	}
	_, base := storage.Split(name)

	head, err := call(ctx, b, "head_object", func(ctx context.Context) (*s3.HeadObjectOutput, error) {
		return b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(name)),
		})
	})
	if err == nil {
		return storage.FileInfo{
			Name:    base,
			Kind:    storage.KindFile,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if err = mapErr(err); !errors.Is(err, storage.ErrNotExist) {
		return storage.FileInfo{}, fmt.Errorf("stat %q: %w", name, err)
	}

	out, err := call(ctx, b, "list_objects", func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
		return b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(b.bucket),
			Prefix:  aws.String(b.dirKey(name)),
			MaxKeys: aws.Int32(1),
		})
	})
	if err != nil {
		return storage.FileInfo{}, fmt.Errorf("stat %q: %w", name, mapErr(err))
	}
	if len(out.Contents) == 0 {
		return storage.FileInfo{}, fmt.Errorf("stat %q: %w", name, storage.ErrNotExist)
	}
	fi := storage.FileInfo{Name: base, Kind: storage.KindDir}
	if obj := out.Contents[0]; aws.ToString(obj.Key) == b.dirKey(name) {
		fi.ModTime = aws.ToTime(obj.LastModified)
	}
	return fi, nil
}

// Exists reports whether name is a file or a folder.
func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.Stat(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MkdirAll writes a marker object for dir and every missing parent.
func (b *Backend) MkdirAll(ctx context.Context, dir string) error {
	dir, err := storage.Clean(dir)
	if err != nil {
		return err
	}
	if dir == "" {
		return nil
	}
	segs := strings.Split(dir, "/")
	for i := range segs {
		sub := strings.Join(segs[:i+1], "/")
		info, err := b.Stat(ctx, sub)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("mkdir %q: %w", sub, storage.ErrNotDir)
			}
			continue
		}
		if !errors.Is(err, storage.ErrNotExist) {
			return fmt.Errorf("mkdir %q: %w", sub, err)
		}
		if err := b.putMarker(ctx, sub); err != nil {
			return fmt.Errorf("mkdir %q: %w", sub, err)
		}
	}
	return nil
}

func (b *Backend) putMarker(ctx context.Context, dir string) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.dirKey(dir)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	return mapErr(err)
}

// Rename copies every key under from to the new location and then deletes
// the originals. S3 has no atomic rename, so a failure part way leaves both
// copies in place and is reported to the caller.
func (b *Backend) Rename(ctx context.Context, from, to string) error {
	from, err := storage.Clean(from)
	if err != nil {
		return err
	}
	to, err = storage.Clean(to)
	if err != nil {
		return err
	}
	if from == "" || to == "" {
		return fmt.Errorf("rename %q -> %q: %w", from, to, storage.ErrPermission)
	}

	src, err := b.Stat(ctx, from)
	if err != nil {
		return fmt.Errorf("rename %q: %w", from, err)
	}
	if ok, err := b.Exists(ctx, to); err != nil {
		return fmt.Errorf("rename %q -> %q: %w", from, to, err)
	} else if ok {
		return fmt.Errorf("rename %q -> %q: %w", from, to, storage.ErrExist)
	}

	if src.IsFile() {
		if err := b.copyObject(ctx, b.objectKey(from), b.objectKey(to)); err != nil {
			return fmt.Errorf("rename %q -> %q: %w", from, to, err)
		}
		return b.deleteKey(ctx, b.objectKey(from))
	}

	keys, err := b.keysUnder(ctx, b.dirKey(from))
	if err != nil {
		return fmt.Errorf("rename %q -> %q: %w", from, to, err)
	}
	srcPrefix, dstPrefix := b.dirKey(from), b.dirKey(to)
	for _, key := range keys {
		if err := b.copyObject(ctx, key, dstPrefix+strings.TrimPrefix(key, srcPrefix)); err != nil {
			return fmt.Errorf("rename %q -> %q: %w", from, to, err)
		}
	}
	for _, key := range keys {
		if err := b.deleteKey(ctx, key); err != nil {
			return fmt.Errorf("rename %q -> %q: %w", from, to, err)
		}
	}
	return nil
}

func (b *Backend) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	var keys []string
	for {
		out, err := call(ctx, b, "list_objects", func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
			return b.client.ListObjectsV2(ctx, input)
		})
		if err != nil {
			return nil, mapErr(err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}

func (b *Backend) copyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + url.PathEscape(srcKey)),
	})
	metrics.RecordS3Operation("copy_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, mapErr(err))
	}
	logging.Debug("S3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

func (b *Backend) deleteKey(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, mapErr(err))
	}
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// RemoveDir deletes the marker of an empty folder.
func (b *Backend) RemoveDir(ctx context.Context, dir string) error {
	dir, err := storage.Clean(dir)
	if err != nil {
		return err
	}
	if dir == "" {
		return fmt.Errorf("remove root: %w", storage.ErrPermission)
	}
	info, err := b.Stat(ctx, dir)
	if err != nil {
		return fmt.Errorf("remove dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remove dir %q: %w", dir, storage.ErrNotDir)
	}
	folders, files, err := b.list(ctx, dir, 2)
	if err != nil {
		return fmt.Errorf("remove dir %q: %w", dir, err)
	}
	if len(folders)+len(files) > 0 {
		return fmt.Errorf("remove dir %q: %w", dir, storage.ErrNotEmpty)
	}
	return b.deleteKey(ctx, b.dirKey(dir))
}

// RemoveFile deletes a file object. Deleting a missing key succeeds in S3,
// so existence is checked first.
func (b *Backend) RemoveFile(ctx context.Context, name string) error {
	name, err := storage.Clean(name)
	if err != nil {
		return err
	}
	info, err := b.Stat(ctx, name)
	if err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	if !info.IsFile() {
		return fmt.Errorf("remove %q: is a directory: %w", name, fs.ErrInvalid)
	}
	return b.deleteKey(ctx, b.objectKey(name))
}

// Stage spools r to a local temp file so the final size is known and the
// body can be replayed on retries.
func (b *Backend) Stage(ctx context.Context, dir string, r io.Reader, limit int64) (storage.Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := storage.Clean(dir); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "filemanager-s3-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if err == nil && limit > 0 && n > limit {
		err = storage.ErrTooLarge
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	return &stagedObject{backend: b, file: tmp, size: n}, nil
}

type stagedObject struct {
	backend *Backend
	file    *os.File
	size    int64
	done    bool
}

func (s *stagedObject) Size() int64 { return s.size }

// Commit uploads with If-None-Match: * so an existing object is never replaced.
func (s *stagedObject) Commit(ctx context.Context, name string) error {
	if s.done {
		return fmt.Errorf("commit %q: already committed", name)
	}
	name, err := storage.Clean(name)
	if err != nil {
		return err
	}
	b := s.backend

	// A folder of the same name occupies the name too.
	if info, err := b.Stat(ctx, name); err == nil && info.IsDir() {
		return fmt.Errorf("commit %q: %w", name, storage.ErrExist)
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("commit %q: %w", name, err)
	}
	start := time.Now()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(name)),
		Body:          s.file,
		ContentLength: aws.Int64(s.size),
		IfNoneMatch:   aws.String("*"),
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("commit %q: %w", name, mapErr(err))
	}
	logging.Debug("S3 put object", zap.String("key", b.objectKey(name)), zap.Int64("size", s.size))
	s.done = true
	s.cleanup()
	return nil
}

func (s *stagedObject) Discard() error {
	if s.file == nil {
		return nil
	}
	s.done = true
	return s.cleanup()
}

func (s *stagedObject) cleanup() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	s.file.Close()
	s.file = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Open streams an object's content.
func (b *Backend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	name, err := storage.Clean(name)
	if err != nil {
		return nil, err
	}
	out, err := call(ctx, b, "get_object", func(ctx context.Context) (*s3.GetObjectOutput, error) {
		return b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(name)),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, mapErr(err))
	}
	return out.Body, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Hidden always reports false. Uploads are spooled outside the bucket.
func (b *Backend) Hidden(string) bool { return false }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
