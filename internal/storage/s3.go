package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrDocumentNotArchived is returned when no archived source exists for a document.
var ErrDocumentNotArchived = errors.New("document not archived")

// S3ClientConfig holds configuration for the document archive
type S3ClientConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
}

// DocumentArchive keeps the raw source of ingested documents in an
// S3-compatible bucket, keyed by document id, so chunks can be cited
// back to their original.
type DocumentArchive struct {
	client            *s3.Client
	presignClient     *s3.PresignClient
	bucket            string
	downloadURLExpiry time.Duration
}

// NewDocumentArchive creates an archive client with the given configuration
func NewDocumentArchive(ctx context.Context, cfg S3ClientConfig) (*DocumentArchive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &DocumentArchive{
		client:            client,
		presignClient:     s3.NewPresignClient(client),
		bucket:            cfg.Bucket,
		downloadURLExpiry: time.Hour,
	}, nil
}

func documentKey(documentID string) string {
	return "documents/" + documentID
}

// Put stores the raw document body.
func (a *DocumentArchive) Put(ctx context.Context, documentID, contentType string, body []byte) error {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(documentKey(documentID)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to archive document %s: %w", documentID, err)
	}
	return nil
}

// Get returns the archived document body.
func (a *DocumentArchive) Get(ctx context.Context, documentID string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(documentKey(documentID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrDocumentNotArchived
		}
		return nil, fmt.Errorf("failed to read archived document %s: %w", documentID, err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// DownloadURL creates a presigned URL for the archived document
func (a *DocumentArchive) DownloadURL(ctx context.Context, documentID string) (string, error) {
	req, err := a.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(documentKey(documentID)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = a.downloadURLExpiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate download URL: %w", err)
	}
	return req.URL, nil
}

// Delete removes the archived document
func (a *DocumentArchive) Delete(ctx context.Context, documentID string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(documentKey(documentID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archived document: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (a *DocumentArchive) EnsureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	return nil
}
