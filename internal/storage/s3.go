package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// S3Config holds S3/MinIO connection settings.
type S3Config struct {
	Endpoint        string // e.g. http://localhost:9000
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	// PublicURL is where clients download objects from, e.g. a CDN in front of the bucket.
	// Defaults to <endpoint>/<bucket>.
	PublicURL string
}

// S3Store stores files in an S3-compatible bucket.
type S3Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
	log       *logrus.Entry
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	scheme := "https"
	if !useSSL {
		scheme = "http"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return scheme + "://" + endpoint
	}
	return endpoint
}

// NewS3Store creates an S3 store from config. An empty endpoint means AWS itself.
func NewS3Store(cfg S3Config, logger *logrus.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: S3 bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)

	awsCfg := aws.Config{Region: cfg.Region}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // required for MinIO
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		if endpoint != "" {
			publicURL = strings.TrimRight(endpoint, "/") + "/" + cfg.Bucket
		} else {
			publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}

	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicURL,
		log:       logger.WithField("component", "S3Store"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		// Bucket may have been created concurrently
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadFile implements gateway.StorageGateway. The content is buffered so the
// request can be signed with a known length.
func (s *S3Store) UploadFile(ctx context.Context, file gateway.File, pathHint string) (*gateway.StoredFile, error) {
	if file.Content == nil {
		return nil, fmt.Errorf("file %s has no content", file.Name)
	}
	data, err := io.ReadAll(file.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file.Name, err)
	}

	key := objectKey(pathHint, file.Name)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if file.MimeType != "" {
		input.ContentType = aws.String(file.MimeType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}

	s.log.WithFields(logrus.Fields{"key": key, "bytes": len(data)}).Debug("stored upload")
	return &gateway.StoredFile{Key: key, URL: s.publicURL + "/" + key}, nil
}

// Open implements smtp.AttachmentSource.
func (s *S3Store) Open(ctx context.Context, attachment models.EmailAttachment) (io.ReadCloser, error) {
	key, err := keyFromURL(s.publicURL, attachment.URL)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}
