package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/objectsync/internal/circuit"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
	"github.com/objectfs/objectsync/pkg/utils"
)

// MetaMtime is the user-metadata key carrying the source modification time,
// since S3 only records its own LastModified.
const MetaMtime = "objectsync-mtime"

const listPageSize = 1000

// Storage implements types.Storage on an S3 bucket, optionally rooted below
// a key prefix. Identifiers are full object keys; directory keys end in "/".
type Storage struct {
	cfg      Config
	prefix   string
	pool     *ConnectionPool
	upload   Uploader
	breaker  *circuit.Breaker
	metrics  *MetricsCollector
	logger   *logger.Logger
	closeFns []func() error
}

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Storage, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	log = log.WithField("storage", "s3").WithField("bucket", cfg.Bucket)

	cm, err := NewClientManager(ctx, &cfg, log)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "creating S3 client").WithCause(err)
	}
	s := NewWithPool(cfg, cm.Pool(), cm.Uploader(), log)
	s.closeFns = append(s.closeFns, cm.Close)
	return s, nil
}

// NewWithPool builds the backend on an existing client pool. upload may be
// nil.
func NewWithPool(cfg Config, pool *ConnectionPool, upload Uploader, log *logger.Logger) *Storage {
	if log == nil {
		log = logger.Nop()
	}
	cfg.applyDefaults()
	return &Storage{
		cfg:     cfg,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		pool:    pool,
		upload:  upload,
		breaker: circuit.New("s3:"+cfg.Bucket, cfg.Breaker),
		metrics: NewMetricsCollector(),
		logger:  log,
	}
}

func (s *Storage) Name() string { return "s3" }

// Metrics returns request counters for this backend.
func (s *Storage) Metrics() BackendMetrics { return s.metrics.GetMetrics() }

// ErrorRate is the share of requests that failed so far.
func (s *Storage) ErrorRate() float64 { return s.metrics.GetErrorRate() }

// SetConcurrency grows the client pool to n when n exceeds the configured
// pool size, and shrinks it back to no less than that size.
func (s *Storage) SetConcurrency(n int) error {
	size := max(n, s.cfg.PoolSize)
	size = min(size, maxPoolSize)
	if err := s.pool.Resize(size); err != nil {
		return fmt.Errorf("resizing S3 client pool: %w", err)
	}
	s.logger.Debug().Int("pool_size", size).Msg("client pool resized")
	return nil
}

// Breaker exposes the circuit breaker guarding this backend.
func (s *Storage) Breaker() *circuit.Breaker { return s.breaker }

// Configure checks the bucket is reachable and that source and target do
// not overlap inside the same bucket.
func (s *Storage) Configure(ctx context.Context, source types.Storage, _ []types.Filter, target types.Storage) error {
	for _, st := range []types.Storage{source, target} {
		other, ok := st.(*Storage)
		if !ok || other == s || other.cfg.Bucket != s.cfg.Bucket || other.cfg.Endpoint != s.cfg.Endpoint {
			continue
		}
		if overlaps(s.prefix, other.prefix) {
			return errors.NewConfigurationError(fmt.Sprintf("source and target prefixes overlap in bucket %s (%q, %q)", s.cfg.Bucket, s.prefix, other.prefix))
		}
	}

	err := s.call(ctx, "head_bucket", func(ctx context.Context, api API) error {
		_, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
		return err
	})
	if err != nil {
		return errors.NewConfigurationError(fmt.Sprintf("bucket %s is not accessible", s.cfg.Bucket)).WithCause(err)
	}
	return nil
}

func overlaps(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func (s *Storage) AllObjects(ctx context.Context, fn types.SummaryFunc) error {
	return s.list(ctx, s.Identifier("", true), fn)
}

func (s *Storage) Children(ctx context.Context, parent types.ObjectSummary, fn types.SummaryFunc) error {
	dir := parent.Identifier
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return s.list(ctx, dir, fn)
}

// list walks one level below prefix page by page. Each page is fetched and
// released before fn runs, so a blocking fn never holds a client.
func (s *Storage) list(ctx context.Context, prefix string, fn types.SummaryFunc) error {
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := s.call(ctx, "list", func(ctx context.Context, api API) error {
			var err error
			out, err = api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.cfg.Bucket),
				Prefix:            aws.String(prefix),
				Delimiter:         aws.String("/"),
				ContinuationToken: token,
				MaxKeys:           aws.Int32(listPageSize),
			})
			return err
		})
		if err != nil {
			return s.translate(err, errors.ErrCodeStorageList, prefix)
		}

		for _, summary := range pageSummaries(prefix, out) {
			if err := fn(summary); err != nil {
				if stderr.Is(err, types.ErrStopIteration) {
					return nil
				}
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func pageSummaries(prefix string, out *s3.ListObjectsV2Output) []types.ObjectSummary {
	summaries := make([]types.ObjectSummary, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, cp := range out.CommonPrefixes {
		summaries = append(summaries, types.ObjectSummary{Identifier: aws.ToString(cp.Prefix), Directory: true})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		// directory markers
		if key == prefix || strings.HasSuffix(key, "/") {
			continue
		}
		summaries = append(summaries, types.ObjectSummary{Identifier: key, Size: aws.ToInt64(obj.Size)})
	}
	return summaries
}

func (s *Storage) Stat(ctx context.Context, identifier string) (types.ObjectSummary, error) {
	if strings.HasSuffix(identifier, "/") {
		return types.ObjectSummary{Identifier: identifier, Directory: true}, nil
	}
	head, err := s.head(ctx, identifier)
	if err == nil {
		return types.ObjectSummary{Identifier: identifier, Size: aws.ToInt64(head.ContentLength)}, nil
	}
	if !errors.IsNotFound(err) {
		return types.ObjectSummary{}, err
	}
	if ok, derr := s.isDirectory(ctx, identifier); derr != nil {
		return types.ObjectSummary{}, derr
	} else if ok {
		return types.ObjectSummary{Identifier: identifier + "/", Directory: true}, nil
	}
	return types.ObjectSummary{}, err
}

// isDirectory reports whether any key lives below identifier/.
func (s *Storage) isDirectory(ctx context.Context, identifier string) (bool, error) {
	var out *s3.ListObjectsV2Output
	err := s.call(ctx, "list", func(ctx context.Context, api API) error {
		var err error
		out, err = api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.cfg.Bucket),
			Prefix:  aws.String(strings.TrimSuffix(identifier, "/") + "/"),
			MaxKeys: aws.Int32(1),
		})
		return err
	})
	if err != nil {
		return false, s.translate(err, errors.ErrCodeStorageList, identifier)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (s *Storage) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := s.call(ctx, "head", func(ctx context.Context, api API) error {
		var err error
		out, err = api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return nil, s.translate(err, errors.ErrCodeStorageRead, key)
	}
	return out, nil
}

func (s *Storage) LoadObject(ctx context.Context, identifier string) (*types.SyncObject, error) {
	directory := strings.HasSuffix(identifier, "/")
	var head *s3.HeadObjectOutput
	if !directory {
		var err error
		head, err = s.head(ctx, identifier)
		if errors.IsNotFound(err) {
			ok, derr := s.isDirectory(ctx, identifier)
			if derr != nil {
				return nil, derr
			}
			if !ok {
				return nil, err
			}
			directory = true
		} else if err != nil {
			return nil, err
		}
	}

	rel := s.RelativePath(identifier, directory)
	if directory {
		return types.NewSyncObject(rel, &types.ObjectMetadata{Directory: true}, nil), nil
	}

	meta := headMetadata(head)
	opener := func() (io.ReadCloser, error) {
		var out *s3.GetObjectOutput
		err := s.stream(ctx, "get", func(ctx context.Context, api API) error {
			var err error
			out, err = api.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.cfg.Bucket),
				Key:    aws.String(identifier),
			})
			return err
		})
		if err != nil {
			return nil, s.translate(err, errors.ErrCodeStorageRead, identifier)
		}
		return &countingReader{r: out.Body, mc: s.metrics}, nil
	}
	return types.NewSyncObject(rel, meta, opener), nil
}

func headMetadata(head *s3.HeadObjectOutput) *types.ObjectMetadata {
	meta := &types.ObjectMetadata{
		ContentLength: aws.ToInt64(head.ContentLength),
		ModTime:       aws.ToTime(head.LastModified).UTC(),
		ContentType:   aws.ToString(head.ContentType),
	}
	if len(head.Metadata) > 0 {
		meta.UserMetadata = make(map[string]string, len(head.Metadata))
		for k, v := range head.Metadata {
			if strings.EqualFold(k, MetaMtime) {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					meta.ModTime = t.UTC()
				}
				continue
			}
			meta.UserMetadata[k] = v
		}
		if len(meta.UserMetadata) == 0 {
			meta.UserMetadata = nil
		}
	}
	// A multipart ETag is not an MD5 of the content.
	if etag := strings.Trim(aws.ToString(head.ETag), `"`); etag != "" && !strings.Contains(etag, "-") {
		if sum, err := hex.DecodeString(etag); err == nil && len(sum) == 16 {
			meta.Checksum = &types.Checksum{Algorithm: "MD5", Value: sum}
		}
	}
	if head.ObjectLockRetainUntilDate != nil {
		t := head.ObjectLockRetainUntilDate.UTC()
		meta.RetentionEndTime = &t
	}
	return meta
}

func (s *Storage) CreateObject(ctx context.Context, obj *types.SyncObject) (string, error) {
	key := s.Identifier(obj.RelativePath(), obj.Directory())
	if err := s.put(ctx, key, obj); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Storage) UpdateObject(ctx context.Context, identifier string, obj *types.SyncObject) error {
	return s.put(ctx, identifier, obj)
}

func (s *Storage) put(ctx context.Context, key string, obj *types.SyncObject) error {
	meta := obj.Metadata()
	if meta.Directory {
		if !strings.HasSuffix(key, "/") {
			key += "/"
		}
		return s.putObject(ctx, key, bytes.NewReader(nil), 0, meta)
	}

	r, err := obj.DataStream()
	if err != nil {
		return fmt.Errorf("opening %s: %w", obj.RelativePath(), err)
	}
	size := meta.ContentLength
	if obj.Transformed() {
		size = -1
	}
	body, n, cleanup, err := spool(ctx, r, size, s.cfg.MultipartThreshold)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "buffering "+key).WithCause(err)
	}
	defer cleanup()

	if s.upload != nil && n >= s.cfg.MultipartThreshold {
		class := lookupStorageClass(s.cfg.StorageClass).cargoship
		err := s.stream(ctx, "upload", func(ctx context.Context, _ API) error {
			return s.upload(ctx, key, body, n, class, s.userMetadata(meta))
		})
		if err == nil {
			s.metrics.RecordTransporterUpload(n, false)
			s.metrics.RecordBytesUploaded(n)
			return nil
		}
		if stderr.Is(err, circuit.ErrOpen) || ctx.Err() != nil {
			return s.translate(err, errors.ErrCodeStorageWrite, key)
		}
		s.metrics.RecordTransporterUpload(n, true)
		s.logger.Warn().Err(err).Str("key", key).Msg("CargoShip upload failed, falling back to PutObject")
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "rewinding "+key).WithCause(err)
		}
	}
	return s.putObject(ctx, key, body, n, meta)
}

func (s *Storage) putObject(ctx context.Context, key string, body io.ReadSeeker, size int64, meta *types.ObjectMetadata) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      s.userMetadata(meta),
		StorageClass:  lookupStorageClass(s.cfg.StorageClass).sdk,
	}
	if meta.ContentType != "" {
		in.ContentType = aws.String(meta.ContentType)
	}
	err := s.stream(ctx, "put", func(ctx context.Context, api API) error {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := api.PutObject(ctx, in)
		return err
	})
	if err != nil {
		return s.translate(err, errors.ErrCodeStorageWrite, key)
	}
	s.metrics.RecordBytesUploaded(size)
	return nil
}

func (s *Storage) userMetadata(meta *types.ObjectMetadata) map[string]string {
	out := make(map[string]string, len(meta.UserMetadata)+1)
	for k, v := range meta.UserMetadata {
		out[k] = v
	}
	if !meta.ModTime.IsZero() && !meta.Directory {
		out[MetaMtime] = meta.ModTime.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// spool buffers r so the request body is seekable with a known length.
// Objects below threshold stay in memory; larger or unsized ones go to a
// temp file.
func spool(ctx context.Context, r io.Reader, size, threshold int64) (io.ReadSeeker, int64, func(), error) {
	if size >= 0 && size < threshold {
		buf := bytes.NewBuffer(make([]byte, 0, size))
		n, err := io.Copy(buf, &ctxReader{ctx: ctx, r: r})
		if err != nil {
			return nil, 0, nil, err
		}
		return bytes.NewReader(buf.Bytes()), n, func() {}, nil
	}

	f, err := os.CreateTemp("", "objectsync-s3-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return f, n, cleanup, nil
}

func (s *Storage) Delete(ctx context.Context, identifier string, _ *types.SyncObject) error {
	if identifier == "" || identifier == s.Identifier("", true) {
		return errors.NewError(errors.ErrCodePolicyViolation, "refusing to delete the storage root")
	}
	err := s.call(ctx, "delete", func(ctx context.Context, api API) error {
		_, err := api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(identifier),
		})
		return err
	})
	if err != nil {
		return s.translate(err, errors.ErrCodeStorageWrite, identifier)
	}
	return nil
}

func (s *Storage) Identifier(relativePath string, directory bool) string {
	return utils.KeyJoin(s.prefix, relativePath, directory)
}

func (s *Storage) RelativePath(identifier string, _ bool) string {
	return utils.KeyRelative(s.prefix, identifier)
}

func (s *Storage) Close() error {
	var errs []error
	for _, fn := range s.closeFns {
		errs = append(errs, fn())
	}
	return stderr.Join(errs...)
}

// call runs a metadata request on a pooled client behind the circuit
// breaker, bounded by the request timeout.
func (s *Storage) call(ctx context.Context, op string, fn func(context.Context, API) error) error {
	return s.do(ctx, op, s.cfg.RequestTimeout, fn)
}

// stream is call without the request timeout, for data transfers whose
// duration depends on the object size. The body of a GetObject outlives
// the call, so its context must too.
func (s *Storage) stream(ctx context.Context, op string, fn func(context.Context, API) error) error {
	return s.do(ctx, op, 0, fn)
}

func (s *Storage) do(ctx context.Context, op string, timeout time.Duration, fn func(context.Context, API) error) error {
	start := time.Now()
	err := s.breaker.Execute(ctx, op, func(ctx context.Context) error {
		api, err := s.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer s.pool.Put(api)

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return s.classify(fn(ctx, api))
	})
	s.metrics.RecordRequest(time.Since(start), err)
	return err
}

// classify turns the SDK errors the breaker must not count into typed ones
// before it sees them.
func (s *Storage) classify(err error) error {
	if err == nil {
		return nil
	}
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if stderr.As(err, &nsk) || stderr.As(err, &nf) {
		return errors.NewObjectNotFound("").WithCause(err)
	}
	var nsb *s3types.NoSuchBucket
	if stderr.As(err, &nsb) {
		return errors.NewError(errors.ErrCodeBucketNotFound, "bucket not found: "+s.cfg.Bucket).WithCause(err)
	}
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.NewObjectNotFound("").WithCause(err)
		case "NoSuchBucket":
			return errors.NewError(errors.ErrCodeBucketNotFound, "bucket not found: "+s.cfg.Bucket).WithCause(err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errors.NewError(errors.ErrCodeAccessDenied, apiErr.ErrorMessage()).WithCause(err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return errors.NewError(errors.ErrCodeThrottled, apiErr.ErrorMessage()).WithCause(err)
		}
	}
	return err
}

// translate attaches the key to a typed error, or wraps an untyped one in
// code.
func (s *Storage) translate(err error, code errors.ErrorCode, key string) error {
	if se, ok := errors.As(err); ok {
		if se.Code == errors.ErrCodeObjectNotFound {
			se.WithContext("identifier", key)
		}
		return se.WithComponent("s3")
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return errors.NewTransientError(key, err).WithComponent("s3")
	}
	return errors.NewError(code, key).WithCause(err).WithComponent("s3")
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
