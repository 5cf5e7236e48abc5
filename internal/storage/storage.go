package storage

import (
	"context"
	"errors"
	"strings"

	"ledgerstream/internal/document"
	"ledgerstream/internal/domain"
)

var (
	ErrMissingIdentity = errors.New("record has no identity")
	ErrInvalidIdentity = errors.New("identity value is not a scalar")
)

var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, "=", `\=`, "#", `\#`)

// Key is the composite sink key: the document's identity fields plus the
// transaction time sort key.
type Key struct {
	Identity    []document.Field
	SortKeyName string
	SortKey     string
}

// IdentityString renders the identity as field=value pairs joined by "|".
// Separator characters inside names and values are backslash-escaped, so
// distinct identities never render alike.
func (k Key) IdentityString() string {
	parts := make([]string, 0, len(k.Identity))
	for _, f := range k.Identity {
		v, _ := f.Value.Scalar()
		parts = append(parts, keyEscaper.Replace(f.Name)+"="+keyEscaper.Replace(v))
	}
	return strings.Join(parts, "|")
}

func (k Key) String() string {
	return k.IdentityString() + "#" + k.SortKey
}

// SinkRecord is the flattened projection of one revision.
type SinkRecord struct {
	Key        Key
	Attributes []document.Field
}

// Sink is the secondary store. Upsert overwrites any record with the same
// key and must not use conditional writes.
type Sink interface {
	Upsert(ctx context.Context, rec SinkRecord) error
}

// CheckpointStore persists the last fully processed sequence number per shard.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, shardID string) (domain.Checkpoint, bool, error)
	PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}
