package persistence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads full XML payloads to object storage before handing the
// record, without its payload, to the next sink. Metadata rows pass through
// unchanged.
type S3Archive struct {
	client s3Putter
	bucket string
	next   Sink
}

type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig, next Sink) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, next: next}, nil
}

// ObjectKey is where a document's XML is archived.
func ObjectKey(ownerRef, companyRef, uuid string) string {
	return ownerRef + "/" + companyRef + "/" + uuid + ".xml"
}

func (a *S3Archive) UpsertDocument(ctx context.Context, rec DocumentRecord) error {
	if rec.Format != "xml" || len(rec.Payload) == 0 {
		return a.next.UpsertDocument(ctx, rec)
	}

	key := ObjectKey(rec.OwnerRef, rec.CompanyRef, rec.UUID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(rec.Payload),
		ContentType: aws.String("application/xml"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}

	rec.XMLRef = key
	rec.Payload = nil
	return a.next.UpsertDocument(ctx, rec)
}

func (a *S3Archive) AppendJobEvent(ctx context.Context, ev JobEvent) error {
	return a.next.AppendJobEvent(ctx, ev)
}
