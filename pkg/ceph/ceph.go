package ceph

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/thannaske/s3dedup/pkg/enumerator"
	"github.com/thannaske/s3dedup/pkg/models"
)

// S3Client enumerates the objects of one S3 compatible account (Ceph RGW or AWS)
type S3Client struct {
	log         *zap.Logger
	client      *s3.Client
	adminClient *http.Client
	account     models.Account
}

var _ enumerator.ObjectEnumerator = (*S3Client)(nil)

// NewS3Client creates a new S3 client for account
func NewS3Client(ctx context.Context, log *zap.Logger, account models.Account) (*S3Client, error) {
	region := account.Region
	if region == "" {
		region = "default"
	}

	// Static credentials from the account config
	creds := credentials.NewStaticCredentialsProvider(account.AccessKey, account.SecretKey, "")

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(creds),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, enumerator.ErrEnumeration.New("failed to load AWS SDK configuration: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if account.Endpoint != "" {
			o.BaseEndpoint = aws.String(account.Endpoint)
			o.UsePathStyle = true
		}
	})

	account.Region = region
	return &S3Client{
		log:    log,
		client: client,
		adminClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		account: account,
	}, nil
}

// Enumerate yields one batch per listing page of every bucket in scope.
func (c *S3Client) Enumerate(ctx context.Context) iter.Seq[enumerator.Result] {
	return func(yield func(enumerator.Result) bool) {
		buckets, err := c.Buckets(ctx)
		if err != nil {
			yield(enumerator.Failed("", enumerator.ErrEnumeration.Wrap(err)))
			return
		}

		for _, bucket := range buckets {
			c.log.Debug("enumerating bucket", zap.String("bucket", bucket), zap.String("account", c.account.ID))
			if !c.enumerateBucket(ctx, bucket, yield) {
				return
			}
		}
	}
}

// enumerateBucket pages through one bucket. It returns false when iteration must stop.
func (c *S3Client) enumerateBucket(ctx context.Context, bucket string, yield func(enumerator.Result) bool) bool {
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			res := enumerator.Classify(bucket, classifyError(bucket, err))
			return yield(res) && res.Outcome != enumerator.Fatal
		}

		objects := make([]models.ObjectInfo, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, models.ObjectInfo{
				Tag:  NormalizeETag(aws.ToString(obj.ETag)),
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
		if !yield(enumerator.Batch(bucket, objects)) {
			return false
		}
	}
	return true
}

// NormalizeETag strips the quotes S3 puts around ETags.
func NormalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// classifyError maps a provider "no such bucket" to ErrBucketNotFound and
// everything else to ErrEnumeration.
func classifyError(bucket string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "BucketNotFound":
			return enumerator.ErrBucketNotFound.New("%s: %v", bucket, err)
		}
	}

	var httpErr *smithyhttp.ResponseError
	if errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == http.StatusNotFound {
		return enumerator.ErrBucketNotFound.New("%s: %v", bucket, err)
	}

	return enumerator.ErrEnumeration.New("listing %s: %v", bucket, err)
}

// Buckets returns the buckets in scope: the configured list, or every bucket of
// the account discovered through ListBuckets or the RGW admin API.
func (c *S3Client) Buckets(ctx context.Context) ([]string, error) {
	if len(c.account.Buckets) > 0 {
		return c.account.Buckets, nil
	}
	if c.account.AdminAPI {
		return c.adminBuckets(ctx)
	}

	out, err := c.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	buckets := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		buckets = append(buckets, aws.ToString(b.Name))
	}
	return buckets, nil
}

// adminBuckets retrieves the list of buckets using the Ceph RGW Admin API
func (c *S3Client) adminBuckets(ctx context.Context) ([]string, error) {
	respBody, err := c.executeSignedRequest(ctx, http.MethodGet, "/admin/bucket", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets with Admin API: %w", err)
	}

	// The response is a plain array of bucket names
	var bucketList []string
	if err := json.Unmarshal(respBody, &bucketList); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return bucketList, nil
}

// executeSignedRequest executes an admin API request with an AWS v4 signature
func (c *S3Client) executeSignedRequest(ctx context.Context, method, path string, queryParams url.Values, reqBody []byte) ([]byte, error) {
	parsedURL, err := url.Parse(c.account.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	parsedURL.Path = path
	if queryParams != nil {
		parsedURL.RawQuery = queryParams.Encode()
	}

	if reqBody == nil {
		reqBody = []byte{}
	}
	req, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	sum := sha256.Sum256(reqBody)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds := aws.Credentials{
		AccessKeyID:     c.account.AccessKey,
		SecretAccessKey: c.account.SecretKey,
	}

	// RGW accepts the "s3" service name for admin requests
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, "s3", c.account.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	c.log.Debug("executing admin request", zap.String("method", method), zap.String("url", req.URL.String()))

	resp, err := c.adminClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
