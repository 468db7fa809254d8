// Package s3 implements blockcache.ObjectStore over AWS S3, grounded on the
// teacher's internal/storage/s3 client/backend construction: an
// aws-sdk-go-v2 client wrapped by CargoShip's accelerated transporter for
// objects at or above the configured acceleration threshold. PutAsync's
// retry-forever behavior is delegated to pkg/retry.RetryForever, driven by
// the caller's OnComplete callback rather than by an internal cutoff. Every
// call to the base client is additionally guarded by an
// internal/circuit.CircuitBreaker so a persistently failing S3 endpoint
// fails fast instead of piling up hung requests.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssdkconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cargoconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargos3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/dingodb/dingofs-blockcache/internal/circuit"
	"github.com/dingodb/dingofs-blockcache/pkg/blockcache"
	"github.com/dingodb/dingofs-blockcache/pkg/retry"
)

// Config parametrizes the object store adapter.
type Config struct {
	Bucket               string
	Region               string
	Endpoint             string
	UsePathStyle         bool
	AccelerationMinBytes int64
}

// Store implements blockcache.ObjectStore.
type Store struct {
	client      *s3.Client
	transporter *cargos3.Transporter
	breaker     *circuit.CircuitBreaker
	cfg         Config
	log         *slog.Logger
}

// New loads the default AWS credential chain and builds a Store.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore/s3: bucket must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}

	awsCfg, err := awssdkconfig.LoadDefaultConfig(ctx, awssdkconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("objectstore/s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	var transporter *cargos3.Transporter
	if cfg.AccelerationMinBytes > 0 {
		transporter = cargos3.NewTransporter(client, cargoconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       cargoconfig.StorageClassStandard,
			MultipartThreshold: cfg.AccelerationMinBytes,
			MultipartChunkSize: 16 << 20,
			Concurrency:        4,
		})
		log.Info("objectstore/s3: acceleration enabled", "min_bytes", cfg.AccelerationMinBytes)
	}

	breaker := circuit.NewCircuitBreaker("s3-"+cfg.Bucket, circuit.Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Store{client: client, transporter: transporter, breaker: breaker, cfg: cfg, log: log}, nil
}

// Put is a synchronous PUT, routed through the CargoShip transporter for
// objects at or above AccelerationMinBytes, falling back to a plain PutObject
// if the accelerated path errors.
func (s *Store) Put(ctx context.Context, storeKey string, buf []byte) error {
	if s.transporter != nil && int64(len(buf)) >= s.cfg.AccelerationMinBytes {
		archive := cargos3.Archive{
			Key:          storeKey,
			Reader:       bytes.NewReader(buf),
			Size:         int64(len(buf)),
			StorageClass: cargoconfig.StorageClassStandard,
		}
		if _, err := s.transporter.Upload(ctx, archive); err == nil {
			return nil
		} else {
			s.log.Warn("objectstore/s3: accelerated upload failed, falling back", "key", storeKey, "error", err)
		}
	}

	err := s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(storeKey),
			Body:   bytes.NewReader(buf),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("objectstore/s3: put %s: %w", storeKey, err)
	}
	return nil
}

// PutAsync submits buf for upload in a background goroutine and calls
// onComplete after every attempt. It retries forever, backing off per
// pkg/retry.DefaultForeverConfig, until onComplete returns blockcache.Done.
func (s *Store) PutAsync(storeKey string, buf []byte, onComplete blockcache.OnComplete) {
	go func() {
		_ = retry.RetryForever(context.Background(), retry.DefaultForeverConfig(), func(_ int) error {
			err := s.Put(context.Background(), storeKey, buf)

			code := 0
			if err != nil {
				code = 1
			}
			if onComplete(code) == blockcache.Done {
				return nil
			}
			if err == nil {
				err = fmt.Errorf("objectstore/s3: put %s succeeded but caller requested retry", storeKey)
			}
			return err
		})
	}()
}

// RangeGet reads [offset, offset+length) of storeKey.
func (s *Store) RangeGet(ctx context.Context, storeKey string, offset, length int64) ([]byte, error) {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	var out *s3.GetObjectOutput
	err := s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var getErr error
		out, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(storeKey),
			Range:  aws.String(rng),
		})
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore/s3: range get %s: %w", storeKey, err)
	}
	defer func() { _ = out.Body.Close() }()

	buf := make([]byte, length)
	n, err := io.ReadFull(out.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("objectstore/s3: read body %s: %w", storeKey, err)
	}
	return buf[:n], nil
}
