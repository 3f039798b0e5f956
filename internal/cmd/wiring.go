package cmd

import (
	"context"
	"fmt"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/3leaps/jobline/internal/config"
	"github.com/3leaps/jobline/internal/server/handlers"
	"github.com/3leaps/jobline/pkg/events"
	"github.com/3leaps/jobline/pkg/events/sns"
	"github.com/3leaps/jobline/pkg/jobstore"
	"github.com/3leaps/jobline/pkg/jobstore/dynamo"
	"github.com/3leaps/jobline/pkg/jobstore/sqlite"
	"github.com/3leaps/jobline/pkg/provider"
	"github.com/3leaps/jobline/pkg/provider/file"
	"github.com/3leaps/jobline/pkg/provider/s3"
	"github.com/3leaps/jobline/pkg/queue"
	"github.com/3leaps/jobline/pkg/queue/sqs"
)

// openStore opens the configured job store.
func openStore(ctx context.Context, cfg *config.Config) (jobstore.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:      cfg.Store.SQLitePath,
			URL:       cfg.Store.SQLiteURL,
			AuthToken: cfg.Store.SQLiteAuthToken,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreDynamoDB:
		s, err := dynamo.New(ctx, dynamo.Config{
			Table:     cfg.Store.Table,
			UserIndex: cfg.Store.UserIndex,
			AWS:       cfg.AWS.Client(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// openObjects returns the configured object store opener.
func openObjects(ctx context.Context, cfg *config.Config) (provider.Opener, error) {
	switch cfg.Storage.Backend {
	case config.StorageFile:
		o, err := file.NewOpener(file.Config{Root: cfg.Storage.FileRoot})
		if err != nil {
			return nil, err
		}
		return o, nil
	case config.StorageS3:
		o, err := s3.NewOpener(ctx, s3.Config{
			AWS: cfg.AWS.Client(),
			// S3-compatible services (moto, MinIO) require path-style URLs.
			ForcePathStyle: cfg.Storage.ForcePathStyle || cfg.AWS.Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// queues shares one SQS client across every queue of a command.
type queues struct {
	cfg    *config.Config
	client *awssqs.Client
}

func newQueues(ctx context.Context, cfg *config.Config) (*queues, error) {
	client, err := sqs.NewClient(ctx, cfg.AWS.Client())
	if err != nil {
		return nil, err
	}
	return &queues{cfg: cfg, client: client}, nil
}

func (q *queues) open(url string) (*sqs.Queue, error) {
	qc := sqs.Config{
		URL:               url,
		WaitSeconds:       q.cfg.Queue.WaitSeconds,
		MaxMessages:       q.cfg.Queue.MaxMessages,
		VisibilityTimeout: q.cfg.Queue.VisibilityTimeout,
		AWS:               q.cfg.AWS.Client(),
	}
	if err := qc.Validate(); err != nil {
		return nil, err
	}
	return sqs.NewWithClient(q.client, qc), nil
}

// deadLetter returns a sink for url, or nil when no dead-letter queue is set.
func (q *queues) deadLetter(url string) (queue.Sink, error) {
	if url == "" {
		return nil, nil
	}
	dl, err := q.open(url)
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// publisher targets topicARN when set, else wraps payloads onto queueURL the
// way the topic subscription would.
func publisher(ctx context.Context, cfg *config.Config, topicARN, queueURL string) (events.Publisher, error) {
	if topicARN != "" {
		t, err := sns.New(ctx, sns.Config{TopicARN: topicARN, AWS: cfg.AWS.Client()})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	q, err := newQueues(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sink, err := q.open(queueURL)
	if err != nil {
		return nil, err
	}
	return events.QueuePublisher{Sink: sink}, nil
}

// storeChecker reports the store healthy when a lookup completes.
func storeChecker(store jobstore.Store) handlers.HealthChecker {
	return handlers.CheckerFunc(func(ctx context.Context) error {
		_, err := store.Get(ctx, "__health__")
		if err == nil || jobstore.IsNotFound(err) {
			return nil
		}
		return err
	})
}
