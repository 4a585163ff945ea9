// Package dynamo stores account metadata snapshots in DynamoDB.
// The table is keyed by account_id (string partition key).
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// Config locates the table.
type Config struct {
	Region   string
	Table    string
	Endpoint string // Optional, e.g. http://localhost:8000 for DynamoDB Local
}

// AccountStore implements domain.AccountStore on DynamoDB.
type AccountStore struct {
	db        *dynamodb.Client
	tableName string
}

// accountItem is the stored shape of a domain.AccountRecord.
type accountItem struct {
	AccountID string `dynamodbav:"account_id"`
	Metadata  string `dynamodbav:"metadata"`
	TaskID    string `dynamodbav:"task_id"`
	WebhookID string `dynamodbav:"webhook_id"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// NewAccountStore loads AWS credentials the standard way and connects to the table.
func NewAccountStore(ctx context.Context, cfg Config) (*AccountStore, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamo table is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &AccountStore{db: client, tableName: cfg.Table}, nil
}

// PutAccountRecord overwrites the snapshot for rec.AccountID.
func (s *AccountStore) PutAccountRecord(ctx context.Context, rec domain.AccountRecord) error {
	item, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put account %s: %w", rec.AccountID, err)
	}
	return nil
}

// GetAccountRecord reads the snapshot for accountID.
func (s *AccountStore) GetAccountRecord(ctx context.Context, accountID string) (*domain.AccountRecord, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            map[string]types.AttributeValue{"account_id": &types.AttributeValueMemberS{Value: accountID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrAccountNotFound
	}
	var item accountItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	rec := fromItem(item)
	return &rec, nil
}

func toItem(rec domain.AccountRecord) accountItem {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return accountItem{
		AccountID: rec.AccountID,
		Metadata:  string(rec.Metadata),
		TaskID:    rec.TaskID,
		WebhookID: rec.WebhookID,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromItem(it accountItem) domain.AccountRecord {
	updated, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	return domain.AccountRecord{
		AccountID: it.AccountID,
		Metadata:  []byte(it.Metadata),
		TaskID:    it.TaskID,
		WebhookID: it.WebhookID,
		UpdatedAt: updated,
	}
}
