package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// S3API is the part of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DynamoAPI is the part of the DynamoDB client the run index uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AWSStorage keeps run reports in S3 and, when a table is configured, an
// index of runs per segment in DynamoDB.
type AWSStorage struct {
	s3Client  S3API
	dynamoDB  DynamoAPI
	bucket    string
	tableName string
	ttl       time.Duration
}

// runIndexItem is one run in the DynamoDB index. Runs of a segment share a
// partition and sort by start time.
type runIndexItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	RunID      string `dynamodbav:"RunID"`
	CashboxID  int64  `dynamodbav:"CashboxID"`
	Outcome    string `dynamodbav:"Outcome"`
	FailReason string `dynamodbav:"FailReason,omitempty"`
	Entered    int    `dynamodbav:"Entered"`
	Exited     int    `dynamodbav:"Exited"`
	ReportKey  string `dynamodbav:"ReportKey"`
	StartedAt  string `dynamodbav:"StartedAt"`
	TTL        int64  `dynamodbav:"TTL,omitempty"`
}

// NewAWSStorage loads the default AWS config for region and creates the
// clients. tableName may be empty to skip the run index.
func NewAWSStorage(ctx context.Context, bucket, tableName, region string, ttl time.Duration) (*AWSStorage, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var ddb DynamoAPI
	if tableName != "" {
		ddb = dynamodb.NewFromConfig(cfg)
	}
	return NewAWSStorageWithClients(s3.NewFromConfig(cfg), ddb, bucket, tableName, ttl), nil
}

// NewAWSStorageWithClients builds the storage on existing clients.
func NewAWSStorageWithClients(s3Client S3API, ddb DynamoAPI, bucket, tableName string, ttl time.Duration) *AWSStorage {
	return &AWSStorage{
		s3Client:  s3Client,
		dynamoDB:  ddb,
		bucket:    bucket,
		tableName: tableName,
		ttl:       ttl,
	}
}

// SaveReport uploads the report under key and indexes it.
func (s *AWSStorage) SaveReport(ctx context.Context, key string, report *segmentation.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run report: %w", err)
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3 bucket %s: %w", s.bucket, err)
	}

	if s.dynamoDB == nil {
		return nil
	}
	return s.index(ctx, key, report)
}

func (s *AWSStorage) index(ctx context.Context, key string, report *segmentation.RunReport) error {
	entered, exited := totals(report)
	item := runIndexItem{
		PK:         segmentPartition(report.SegmentID),
		SK:         report.StartedAt.UTC().Format(time.RFC3339Nano) + "#" + report.RunID,
		RunID:      report.RunID,
		CashboxID:  report.CashboxID,
		Outcome:    report.Outcome,
		FailReason: report.FailReason,
		Entered:    entered,
		Exited:     exited,
		ReportKey:  key,
		StartedAt:  report.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.ttl > 0 {
		item.TTL = report.StartedAt.Add(s.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling run index item: %w", err)
	}
	_, err = s.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs of a segment from the DynamoDB index.
func (s *AWSStorage) ListRuns(ctx context.Context, segmentID int64, limit int) ([]RunEntry, error) {
	if s.dynamoDB == nil {
		return nil, ErrNoIndex
	}
	result, err := s.dynamoDB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: segmentPartition(segmentID)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("querying DynamoDB: %w", err)
	}

	runs := make([]RunEntry, 0, len(result.Items))
	for _, av := range result.Items {
		var item runIndexItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			continue
		}
		started, _ := time.Parse(time.RFC3339Nano, item.StartedAt)
		runs = append(runs, RunEntry{
			SegmentID:  segmentID,
			RunID:      item.RunID,
			StartedAt:  started,
			Outcome:    item.Outcome,
			FailReason: item.FailReason,
			Entered:    item.Entered,
			Exited:     item.Exited,
			Key:        item.ReportKey,
		})
	}
	return runs, nil
}

// GetReport downloads one archived report.
func (s *AWSStorage) GetReport(ctx context.Context, key string) (*segmentation.RunReport, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3 bucket %s: %w", s.bucket, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}

	var report segmentation.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("unmarshaling run report: %w", err)
	}
	return &report, nil
}

func segmentPartition(segmentID int64) string {
	return "SEGMENT#" + strconv.FormatInt(segmentID, 10)
}
