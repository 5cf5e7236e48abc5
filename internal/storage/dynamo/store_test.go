package dynamo

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"ledgerstream/internal/document"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu    sync.Mutex
	puts  []*dynamodb.PutItemInput
	items map[string]map[string]types.AttributeValue
	err   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, in)
	if s, ok := in.Item[attrShardID].(*types.AttributeValueMemberS); ok {
		f.items[aws.ToString(in.TableName)+"/"+s.Value] = in.Item
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := in.Key[attrShardID].(*types.AttributeValueMemberS)
	return &dynamodb.GetItemOutput{Item: f.items[aws.ToString(in.TableName)+"/"+s.Value]}, nil
}

func sample(t *testing.T) storage.SinkRecord {
	t.Helper()
	bal, err := document.DecimalValue("10.50")
	require.NoError(t, err)
	return storage.SinkRecord{
		Key: storage.Key{
			Identity:    []document.Field{{Name: "accountId", Value: document.StringValue("acct-1")}},
			SortKeyName: "txTime",
			SortKey:     "2021-05-04T10:15:30.123Z",
		},
		Attributes: []document.Field{
			{Name: "accountId", Value: document.StringValue("acct-1")},
			{Name: "balance", Value: bal},
			{Name: "active", Value: document.BoolValue(true)},
			{Name: "closedAt", Value: document.NullValue()},
			{Name: "tags", Value: document.ListValue(document.SymbolValue("vip"), document.IntValue(3))},
			{Name: "owner", Value: document.StructValue(document.Field{Name: "name", Value: document.StringValue("Ada")})},
			{Name: "txTime", Value: document.StringValue("2021-05-04T10:15:30.123Z")},
			{Name: "timestamp", Value: document.IntValue(1620123330)},
		},
	}
}

func TestUpsertPutsItemWithoutCondition(t *testing.T) {
	api := newFakeAPI()
	s, err := NewStore(api, Config{Table: "wallets"})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(context.Background(), sample(t)))
	require.NoError(t, s.Upsert(context.Background(), sample(t)))

	require.Len(t, api.puts, 2)
	in := api.puts[0]
	assert.Equal(t, "wallets", aws.ToString(in.TableName))
	assert.Nil(t, in.ConditionExpression)
	assert.Equal(t, in.Item, api.puts[1].Item)

	assert.Equal(t, &types.AttributeValueMemberS{Value: "acct-1"}, in.Item["accountId"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "10.50"}, in.Item["balance"])
	assert.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, in.Item["active"])
	assert.Equal(t, &types.AttributeValueMemberNULL{Value: true}, in.Item["closedAt"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1620123330"}, in.Item["timestamp"])
	assert.Equal(t, &types.AttributeValueMemberL{Value: []types.AttributeValue{
		&types.AttributeValueMemberS{Value: "vip"},
		&types.AttributeValueMemberN{Value: "3"},
	}}, in.Item["tags"])
	assert.Equal(t, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "Ada"},
	}}, in.Item["owner"])
}

func TestUpsertPropagatesAPIError(t *testing.T) {
	api := newFakeAPI()
	api.err = errors.New("ProvisionedThroughputExceededException")
	s, err := NewStore(api, Config{Table: "wallets"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Upsert(context.Background(), sample(t)), api.err)
}

func TestUpsertRejectsMissingIdentity(t *testing.T) {
	s, err := NewStore(newFakeAPI(), Config{Table: "wallets"})
	require.NoError(t, err)
	rec := sample(t)
	rec.Key.Identity = nil
	assert.ErrorIs(t, s.Upsert(context.Background(), rec), storage.ErrMissingIdentity)
}

func TestItemAddsMissingKeyAttributes(t *testing.T) {
	rec := sample(t)
	rec.Attributes = nil
	item, err := Item(rec)
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "acct-1"}, item["accountId"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "2021-05-04T10:15:30.123Z"}, item["txTime"])
}

func TestAttributeValueRejectsNonFiniteFloat(t *testing.T) {
	_, err := AttributeValue(document.FloatValue(math.Inf(1)))
	assert.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	api := newFakeAPI()
	s, err := NewStore(api, Config{Table: "wallets", CheckpointTable: "ledgerstream-checkpoints"})
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := s.GetCheckpoint(ctx, "shardId-000")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCheckpoint(ctx, domain.Checkpoint{ShardID: "shardId-000", SequenceNumber: "495"}))
	cp, ok, err := s.GetCheckpoint(ctx, "shardId-000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "495", cp.SequenceNumber)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestCheckpointRequiresTable(t *testing.T) {
	s, err := NewStore(newFakeAPI(), Config{Table: "wallets"})
	require.NoError(t, err)
	assert.Error(t, s.PutCheckpoint(context.Background(), domain.Checkpoint{ShardID: "s"}))
}

func TestNewStoreValidates(t *testing.T) {
	_, err := NewStore(newFakeAPI(), Config{})
	assert.Error(t, err)
	_, err = NewStore(nil, Config{Table: "t"})
	assert.Error(t, err)
}
