// Package cloudtest provides helpers for cloud integration tests using moto.
//
// These helpers run the S3, SQS, SNS and DynamoDB backends against a local
// moto server without real AWS credentials. Tests using this package should
// be tagged with //go:build cloudintegration.
//
// Usage:
//
//	func TestMyQueue(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    url := cloudtest.CreateQueue(t, ctx)
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/3leaps/jobline/pkg/awsconfig"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the default AWS region for tests.
	DefaultRegion = "us-east-1"

	// TestAccessKeyID is the access key used for moto (accepts any).
	TestAccessKeyID = "testing"

	// TestSecretAccessKey is the secret key used for moto (accepts any).
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT env var.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the AWS region for tests, configurable via MOTO_REGION env var.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	awsCfg     aws.Config
	awsCfgOnce sync.Once
	awsCfgErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// AWS returns the awsconfig settings pointing at moto.
func AWS() awsconfig.Config {
	return awsconfig.Config{
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
	}
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

func config(t *testing.T) aws.Config {
	t.Helper()
	awsCfgOnce.Do(func() {
		awsCfg, awsCfgErr = awsconfig.Load(context.Background(), AWS())
	})
	if awsCfgErr != nil {
		t.Fatalf("failed to load aws config: %v", awsCfgErr)
	}
	return awsCfg
}

// S3Client returns an S3 client configured for moto.
func S3Client(t *testing.T) *s3.Client {
	t.Helper()
	return s3.NewFromConfig(config(t), func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
		o.UsePathStyle = true
	})
}

// SQSClient returns an SQS client configured for moto.
func SQSClient(t *testing.T) *sqs.Client {
	t.Helper()
	return sqs.NewFromConfig(config(t), func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// DynamoClient returns a DynamoDB client configured for moto.
func DynamoClient(t *testing.T) *dynamodb.Client {
	t.Helper()
	return dynamodb.NewFromConfig(config(t), func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// UniqueName derives a resource name from the test name.
func UniqueName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	if len(name) > 50 {
		name = name[:50]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// CreateBucket creates a test bucket and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := S3Client(t)
	name := UniqueName(t)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		p := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(name)})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				t.Logf("warning: failed to list objects in bucket %s: %v", name, err)
				return
			}
			for _, obj := range page.Contents {
				_, _ = c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(name), Key: obj.Key})
			}
		}
		if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
			t.Logf("warning: failed to delete bucket %s: %v", name, err)
		}
	})
	return name
}

// PutObject uploads an object to the bucket.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	_, err := S3Client(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(content)),
	})
	if err != nil {
		t.Fatalf("failed to put object %s/%s: %v", bucket, key, err)
	}
}

// CreateQueue creates a test queue and returns its URL.
func CreateQueue(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := SQSClient(t)
	out, err := c.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(UniqueName(t))})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	url := aws.ToString(out.QueueUrl)
	t.Cleanup(func() {
		_, _ = c.DeleteQueue(context.Background(), &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
	})
	return url
}

// CreateJobTable creates a job table with the user_id index.
func CreateJobTable(t *testing.T, ctx context.Context, index string) string {
	t.Helper()
	c := DynamoClient(t)
	name := UniqueName(t)

	_, err := c.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: dynamotypes.BillingModePayPerRequest,
		AttributeDefinitions: []dynamotypes.AttributeDefinition{
			{AttributeName: aws.String("job_id"), AttributeType: dynamotypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("user_id"), AttributeType: dynamotypes.ScalarAttributeTypeS},
		},
		KeySchema: []dynamotypes.KeySchemaElement{
			{AttributeName: aws.String("job_id"), KeyType: dynamotypes.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []dynamotypes.GlobalSecondaryIndex{{
			IndexName:  aws.String(index),
			KeySchema:  []dynamotypes.KeySchemaElement{{AttributeName: aws.String("user_id"), KeyType: dynamotypes.KeyTypeHash}},
			Projection: &dynamotypes.Projection{ProjectionType: dynamotypes.ProjectionTypeAll},
		}},
	})
	if err != nil {
		t.Fatalf("failed to create table %s: %v", name, err)
	}
	t.Cleanup(func() {
		_, _ = c.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(name)})
	})
	return name
}
