// Package dynamo implements jobstore.Store on Amazon DynamoDB.
//
// Table layout: partition key job_id (S); a global secondary index keyed by
// user_id serves per-user listings. Transitions are UpdateItem calls guarded
// by ConditionExpression begins_with(job_status, :from).
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/jobline/pkg/awsconfig"
	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
)

const backendName = "dynamodb"

// DefaultUserIndex is the secondary index name used for per-user listings.
const DefaultUserIndex = "user_id_index"

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config configures the DynamoDB store.
type Config struct {
	// Table is the job table name (required).
	Table string

	// UserIndex is the GSI keyed by user_id. Defaults to DefaultUserIndex.
	UserIndex string

	// AWS holds region, endpoint and credential settings.
	AWS awsconfig.Config
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Table) == "" {
		return fmt.Errorf("dynamodb config: table name is required")
	}
	return c.AWS.Validate()
}

// Store implements jobstore.Store.
type Store struct {
	client    API
	table     string
	userIndex string
}

var _ jobstore.Store = (*Store)(nil)

// New creates a store backed by a real DynamoDB client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, &jobstore.StoreError{Op: "New", Backend: backendName, Err: err}
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if ep := cfg.AWS.BaseEndpoint(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a store over an existing client.
func NewWithClient(client API, cfg Config) *Store {
	index := strings.TrimSpace(cfg.UserIndex)
	if index == "" {
		index = DefaultUserIndex
	}
	return &Store{client: client, table: cfg.Table, userIndex: index}
}

func jobKey(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"job_id": &types.AttributeValueMemberS{Value: jobID},
	}
}

// Get returns the record for jobID using a strongly consistent read.
func (s *Store) Get(ctx context.Context, jobID string) (*job.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            jobKey(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.wrap("Get", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, s.wrap("Get", jobID, jobstore.ErrNotFound)
	}

	var rec job.Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, s.wrap("Get", jobID, fmt.Errorf("unmarshal item: %w", err))
	}
	return &rec, nil
}

// Create puts record if no item with the same job id exists.
func (s *Store) Create(ctx context.Context, record *job.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return s.wrap("Create", record.JobID, fmt.Errorf("marshal item: %w", err))
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return s.wrap("Create", record.JobID, jobstore.ErrAlreadyExists)
		}
		return s.wrap("Create", record.JobID, err)
	}
	return nil
}

// Transition applies t when the stored status begins with t.From.
func (s *Store) Transition(ctx context.Context, jobID string, t jobstore.Transition) (jobstore.Outcome, error) {
	if err := t.Validate(); err != nil {
		return jobstore.OutcomeInvalid, err
	}

	update, values := updateExpression(t)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 jobKey(jobID),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String("begins_with(job_status, :from)"),
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueUpdatedOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return jobstore.OutcomeApplied, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return jobstore.OutcomeNotFound, s.wrap("Transition", jobID, jobstore.ErrNotFound)
		}
		return jobstore.OutcomeAlreadyAdvanced, nil
	}
	if isConditionFailed(err) {
		return jobstore.OutcomeAlreadyAdvanced, nil
	}
	return jobstore.OutcomeTransportError, s.wrap("Transition", jobID, err)
}

// updateExpression renders the SET clause for t. Only non-zero fields are written.
func updateExpression(t jobstore.Transition) (string, map[string]types.AttributeValue) {
	values := map[string]types.AttributeValue{
		":from": &types.AttributeValueMemberS{Value: string(t.From)},
		":to":   &types.AttributeValueMemberS{Value: string(t.To)},
	}
	sets := []string{"job_status = :to"}

	addN := func(attr, ph string, v int64) {
		if v == 0 {
			return
		}
		sets = append(sets, attr+" = "+ph)
		values[ph] = &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
	}
	addS := func(attr, ph, v string) {
		if v == "" {
			return
		}
		sets = append(sets, attr+" = "+ph)
		values[ph] = &types.AttributeValueMemberS{Value: v}
	}

	f := t.Fields
	addN("start_time", ":st", f.StartTime)
	addN("complete_time", ":ct", f.CompleteTime)
	addS("s3_results_bucket", ":rb", f.ResultsBucket)
	addS("s3_key_result_file", ":krf", f.ResultKey)
	addS("s3_key_log_file", ":klf", f.LogKey)
	addS("failure_reason", ":fr", f.FailureReason)

	return "SET " + strings.Join(sets, ", "), values
}

// ListByUser queries the user index, newest submission first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]job.Record, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.userIndex),
		KeyConditionExpression: aws.String("user_id = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
		},
	})

	var out []job.Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("ListByUser", "", err)
		}
		recs, err := unmarshalItems(page.Items)
		if err != nil {
			return nil, s.wrap("ListByUser", "", err)
		}
		out = append(out, recs...)
	}
	sortNewestFirst(out)
	return out, nil
}

// ListByStatus scans for records in status.
func (s *Store) ListByStatus(ctx context.Context, status job.Status) ([]job.Record, error) {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("job_status = :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(status)},
		},
	})

	var out []job.Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s.wrap("ListByStatus", "", err)
		}
		recs, err := unmarshalItems(page.Items)
		if err != nil {
			return nil, s.wrap("ListByStatus", "", err)
		}
		out = append(out, recs...)
	}
	sortNewestFirst(out)
	return out, nil
}

// Close satisfies jobstore.Store. The SDK client needs no cleanup.
func (s *Store) Close() error {
	return nil
}

func unmarshalItems(items []map[string]types.AttributeValue) ([]job.Record, error) {
	var recs []job.Record
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return recs, nil
}

func sortNewestFirst(recs []job.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].SubmitTime != recs[j].SubmitTime {
			return recs[i].SubmitTime > recs[j].SubmitTime
		}
		return recs[i].JobID < recs[j].JobID
	})
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func (s *Store) wrap(op, jobID string, err error) error {
	return &jobstore.StoreError{Op: op, Backend: backendName, JobID: jobID, Err: err}
}
