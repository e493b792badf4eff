package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API defines the S3 operations used by S3Source
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source serves datasets stored as objects under a bucket prefix.
// Identifiers are object keys relative to the prefix.
type S3Source struct {
	name   string
	bucket string
	prefix string
	client S3API
}

// NewS3Source creates a source backed by client
func NewS3Source(name string, client S3API, bucket, prefix string) *S3Source {
	return &S3Source{
		name:   name,
		bucket: bucket,
		prefix: prefix,
		client: client,
	}
}

// NewS3SourceFromConfig creates a source using the default AWS credential chain
func NewS3SourceFromConfig(ctx context.Context, name, region, bucket, prefix string) (*S3Source, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewS3Source(name, s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

// Name returns the side this source feeds
func (s *S3Source) Name() string {
	return s.name
}

// List returns *.csv objects directly under the prefix, newest first
func (s *S3Source) List(ctx context.Context) ([]Info, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var infos []Info
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s source s3://%s/%s: %w", s.name, s.bucket, s.prefix, err)
		}

		for _, obj := range page.Contents {
			id := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if !validID(id) || !isDataset(id) {
				continue
			}
			infos = append(infos, Info{
				ID:      id,
				ModTime: aws.ToTime(obj.LastModified),
				Size:    aws.ToInt64(obj.Size),
			})
		}
	}

	sortNewestFirst(infos)
	return infos, nil
}

// Load fetches and parses the object at prefix+id
func (s *S3Source) Load(ctx context.Context, id string) (*Table, error) {
	if !validID(id) {
		return nil, notFound(s.name, id, errInvalidID)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + id),
	})
	if err != nil {
		return nil, notFound(s.name, id, err)
	}
	defer func() { _ = out.Body.Close() }()

	table, err := ParseCSV(out.Body)
	if err != nil {
		return nil, annotate(s.name, id, err)
	}
	return table, nil
}
