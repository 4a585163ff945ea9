package dynamo

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

func TestItemAttributes(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	item, err := attributevalue.MarshalMap(toItem(domain.AccountRecord{
		AccountID: "alice.near",
		Metadata:  []byte(`{"status":"Completed"}`),
		TaskID:    "t-1",
		UpdatedAt: at,
	}))
	require.NoError(t, err)

	key, ok := item["account_id"].(*types.AttributeValueMemberS)
	require.True(t, ok, "account_id must be a string attribute")
	assert.Equal(t, "alice.near", key.Value)

	meta := item["metadata"].(*types.AttributeValueMemberS)
	assert.JSONEq(t, `{"status":"Completed"}`, meta.Value)

	var back accountItem
	require.NoError(t, attributevalue.UnmarshalMap(item, &back))
	rec := fromItem(back)
	assert.True(t, rec.UpdatedAt.Equal(at))
}

func TestNewAccountStore_RequiresTable(t *testing.T) {
	_, err := NewAccountStore(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
}
