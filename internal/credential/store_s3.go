package credential

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the part of *s3.Client the store uses.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads credential material from objects under <prefix><owner>/.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

type S3StoreConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional, for MinIO and similar
}

func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
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

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Fetch(ctx context.Context, ownerRef string) (Material, error) {
	dir := s.prefix + ownerRef + "/"

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(dir),
	})
	if err != nil {
		return Material{}, fmt.Errorf("s3 list failed for %s: %w", ownerRef, err)
	}

	names := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if path.Dir(key)+"/" == dir {
			names = append(names, path.Base(key))
		}
	}
	sort.Strings(names)

	certName, keyName, passName := pickFiles(names)
	if certName == "" || keyName == "" {
		return Material{}, fmt.Errorf("%w: %s needs both a .cer and a .key object", ErrNotFound, ownerRef)
	}

	var m Material
	if m.Cert, err = s.get(ctx, dir+certName); err != nil {
		return Material{}, err
	}
	if m.Key, err = s.get(ctx, dir+keyName); err != nil {
		return Material{}, err
	}
	if passName != "" {
		if m.Passphrase, err = s.get(ctx, dir+passName); err != nil {
			m.Zero()
			return Material{}, err
		}
	}
	return m, nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}
