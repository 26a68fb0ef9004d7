// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package s3client is a thin bucket-scoped client over the AWS S3 SDK,
// used to store ZooKeeper backups in any S3 compatible object store.
package s3client

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("zookeeper.s3client")

// Session is the part of the S3 API the charm uses.
type Session interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ Session = (*s3.Client)(nil)

// Credentials locate and authenticate against an object store.
type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
	// Endpoint overrides the AWS endpoint, e.g. for radosgw or minio.
	Endpoint string
	// PathStyle addresses buckets as endpoint/bucket instead of
	// bucket.endpoint.
	PathStyle bool
}

// DefaultRegion is used when the credentials carry none.
const DefaultRegion = "us-east-1"

// NewSession returns a Session backed by the AWS SDK.
func NewSession(ctx context.Context, creds Credentials) (Session, error) {
	region := creds.Region
	if region == "" {
		region = DefaultRegion
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Annotate(err, "loading s3 config")
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
		}
		o.UsePathStyle = creds.PathStyle
	}), nil
}

// Object describes a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client reads and writes objects of one bucket.
type Client struct {
	session Session
	bucket  string
	region  string
}

// NewClient returns a Client for bucket.
func NewClient(session Session, bucket, region string) *Client {
	return &Client{session: session, bucket: bucket, region: region}
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket unless it exists.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.session.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return errors.Annotatef(err, "checking bucket %q", c.bucket)
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}
	if c.region != "" && c.region != DefaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}
	if _, err := c.session.CreateBucket(ctx, input); err != nil {
		return errors.Annotatef(err, "creating bucket %q", c.bucket)
	}
	logger.Infof("created bucket %q", c.bucket)
	return nil
}

// Put uploads body under key.
func (c *Client) Put(ctx context.Context, key string, body io.ReadSeeker) error {
	_, err := c.session.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	return errors.Annotatef(err, "uploading %s", key)
}

// Get downloads key. The caller closes the returned reader.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.session.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if IsNotFound(err) {
		return nil, errors.NewNotFound(err, key)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "downloading %s", key)
	}
	return out.Body, nil
}

// List returns every object under prefix, sorted by key.
func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	paginator := s3.NewListObjectsV2Paginator(c.session, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	var objects []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "listing %s", prefix)
		}
		for _, o := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// IsNotFound reports whether err is an S3 missing bucket or key error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchBucket", "NoSuchKey":
		return true
	}
	return false
}
