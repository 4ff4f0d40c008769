// internal/worker/s3_uploader.go
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"pool-watcher/internal/config"
	"pool-watcher/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter 는 S3Uploader 가 쓰는 s3.Client 의 부분 집합.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader
// ------------------------------------------------------------
// 알림 아카이브 object 를 ArchiveBucket 으로 올린다.
//   - 메모리 바이트 업로드 (UploadBytesWithRetryCtx)
//   - 로컬 DLQ 파일 업로드 (UploadFileWithRetryCtx)
//
// SDK 자체 retry 는 끄고, 시도당 timeout + backoff(200ms → 2s) 를 여기서 제어한다.
type S3Uploader struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  ObjectPutter
}

// NewS3Uploader 는 AWS 기본 자격 증명 체인으로 S3 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, disableSDKRetry)
	return NewS3UploaderWithClient(cfg, m, client), nil
}

// disableSDKRetry 는 SDK retryer 를 한 번만 시도하는 NopRetryer 로 바꾼다.
// RetryMaxAttempts = 0 은 "SDK 기본값 사용" 이라 retry 가 꺼지지 않는다.
func disableSDKRetry(o *s3.Options) {
	o.Retryer = aws.NopRetryer{}
}

func NewS3UploaderWithClient(cfg config.Config, m *metrics.Metrics, client ObjectPutter) *S3Uploader {
	return &S3Uploader{cfg: cfg, metrics: m, client: client}
}

// UploadBytesWithRetryCtx 는 재시도마다 새 reader 로 body 를 보낸다.
func (u *S3Uploader) UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, func() (io.Reader, error) {
		return bytes.NewReader(body), nil
	}, key, int64(len(body)))
}

// UploadFileWithRetryCtx 는 재시도 전에 f 를 처음으로 되감는다.
func (u *S3Uploader) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, func() (io.Reader, error) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return f, nil
	}, key, size)
}

func (u *S3Uploader) withRetry(ctx context.Context, body func() (io.Reader, error), key string, size int64) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.cfg.S3AppRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		r, err := body()
		if err != nil {
			return err
		}

		if err := u.putObject(ctx, key, r, size); err == nil {
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)
		}

		if attempt == u.cfg.S3AppRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject 는 1회 호출만 담당한다 (시도당 S3Timeout).
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.cfg.S3Timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:          aws.String(u.cfg.ArchiveBucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
