// Package dynamo stores projected revisions and shard checkpoints in DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ledgerstream/internal/document"
	"ledgerstream/internal/domain"
	"ledgerstream/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrShardID        = "shardId"
	attrSequenceNumber = "sequenceNumber"
	attrUpdatedAt      = "updatedAt"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type Config struct {
	Table           string
	CheckpointTable string
}

func (c Config) Validate() error {
	if c.Table == "" {
		return errors.New("dynamodb table is required")
	}
	return nil
}

type Store struct {
	api API
	cfg Config
}

func NewStore(api API, cfg Config) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{api: api, cfg: cfg}, nil
}

// Upsert writes the record with a plain PutItem. There is no condition
// expression, so a redelivered revision overwrites the earlier write.
func (s *Store) Upsert(ctx context.Context, rec storage.SinkRecord) error {
	if len(rec.Key.Identity) == 0 {
		return storage.ErrMissingIdentity
	}
	item, err := Item(rec)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.Table),
		Item:      item,
	})
	return err
}

// Item converts a sink record to a DynamoDB item. Key attributes are always
// present even if the attribute list omitted them.
func Item(rec storage.SinkRecord) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(rec.Attributes)+len(rec.Key.Identity)+1)
	for _, f := range rec.Attributes {
		av, err := AttributeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", f.Name, err)
		}
		item[f.Name] = av
	}
	for _, f := range rec.Key.Identity {
		if _, ok := item[f.Name]; ok {
			continue
		}
		av, err := AttributeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("key attribute %q: %w", f.Name, err)
		}
		item[f.Name] = av
	}
	if rec.Key.SortKeyName != "" {
		if _, ok := item[rec.Key.SortKeyName]; !ok {
			item[rec.Key.SortKeyName] = &types.AttributeValueMemberS{Value: rec.Key.SortKey}
		}
	}
	return item, nil
}

// AttributeValue maps a document value onto the DynamoDB type system.
// Timestamps are stored as their text form; symbols as strings.
func AttributeValue(v document.Value) (types.AttributeValue, error) {
	switch v.Kind {
	case document.Null:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case document.Bool:
		b, _ := v.Bool()
		return &types.AttributeValueMemberBOOL{Value: b}, nil
	case document.Int, document.Decimal:
		n, _ := v.Scalar()
		return &types.AttributeValueMemberN{Value: n}, nil
	case document.Float:
		f, _ := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("float %v has no number representation", f)
		}
		n, _ := v.Scalar()
		return &types.AttributeValueMemberN{Value: n}, nil
	case document.String, document.Symbol, document.Timestamp:
		s, _ := v.Text()
		return &types.AttributeValueMemberS{Value: s}, nil
	case document.Blob:
		b, _ := v.Bytes()
		return &types.AttributeValueMemberB{Value: b}, nil
	case document.List:
		items := v.Items()
		out := make([]types.AttributeValue, 0, len(items))
		for i, item := range items {
			av, err := AttributeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, av)
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case document.Struct:
		out := make(map[string]types.AttributeValue, len(v.Fields()))
		for _, f := range v.Fields() {
			av, err := AttributeValue(f.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Name, err)
			}
			out[f.Name] = av
		}
		return &types.AttributeValueMemberM{Value: out}, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", v.Kind)
}

func (s *Store) GetCheckpoint(ctx context.Context, shardID string) (domain.Checkpoint, bool, error) {
	if s.cfg.CheckpointTable == "" {
		return domain.Checkpoint{}, false, errors.New("dynamodb checkpoint table is not configured")
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.CheckpointTable),
		Key:            map[string]types.AttributeValue{attrShardID: &types.AttributeValueMemberS{Value: shardID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	if len(out.Item) == 0 {
		return domain.Checkpoint{}, false, nil
	}
	cp := domain.Checkpoint{ShardID: shardID}
	seq, ok := out.Item[attrSequenceNumber].(*types.AttributeValueMemberS)
	if !ok {
		return domain.Checkpoint{}, false, fmt.Errorf("checkpoint %s: %s is not a string", shardID, attrSequenceNumber)
	}
	cp.SequenceNumber = seq.Value
	if at, ok := out.Item[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, at.Value); err == nil {
			cp.UpdatedAt = t
		}
	}
	return cp, true, nil
}

func (s *Store) PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if s.cfg.CheckpointTable == "" {
		return errors.New("dynamodb checkpoint table is not configured")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.CheckpointTable),
		Item: map[string]types.AttributeValue{
			attrShardID:        &types.AttributeValueMemberS{Value: cp.ShardID},
			attrSequenceNumber: &types.AttributeValueMemberS{Value: cp.SequenceNumber},
			attrUpdatedAt:      &types.AttributeValueMemberS{Value: cp.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		},
	})
	return err
}
