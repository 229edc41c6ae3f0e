package storage

import (
	"bytes"
	"context"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
)

// S3 keeps shared artifacts in a bucket. Credentials come from the usual AWS
// environment and profile chain.
type S3 struct {
	bucket     string
	prefix     string
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

func NewS3(cfg model.SharedStorageConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 shared storage needs a bucket")
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(cfg.Region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create aws session")
	}
	return &S3{
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}, nil
}

func (s *S3) key(key string) string {
	return path.Join(s.prefix, key)
}

func (s *S3) Publish(ctx context.Context, key string, data []byte) (string, error) {
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", errors.Wrapf(err, "unable to upload [%s] to bucket [%s]", key, s.bucket)
	}
	return out.Location, nil
}

func (s *S3) Fetch(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to download [%s] from bucket [%s]", key, s.bucket)
	}
	return buf.Bytes(), nil
}
