package storage

import (
	"testing"

	"ledgerstream/internal/document"

	"github.com/stretchr/testify/assert"
)

func key(sortKey string, pairs ...string) Key {
	k := Key{SortKeyName: "txTime", SortKey: sortKey}
	for i := 0; i+1 < len(pairs); i += 2 {
		k.Identity = append(k.Identity, document.Field{Name: pairs[i], Value: document.StringValue(pairs[i+1])})
	}
	return k
}

func TestKeyStringPlainValues(t *testing.T) {
	k := key("2021-05-04T10:15:30Z", "accountId", "a1", "region", "eu")
	assert.Equal(t, "accountId=a1|region=eu", k.IdentityString())
	assert.Equal(t, "accountId=a1|region=eu#2021-05-04T10:15:30Z", k.String())
}

func TestKeyStringEscapesSeparators(t *testing.T) {
	joined := key("t", "a", "x|b=y")
	split := key("t", "a", "x", "b", "y")
	assert.NotEqual(t, joined.String(), split.String())
	assert.Equal(t, `a=x\|b\=y`, joined.IdentityString())

	hashed := key("t", "a", "x#t")
	assert.Equal(t, `a=x\#t#t`, hashed.String())
	assert.NotEqual(t, key("", "a", `x\`).String(), key("", "a", "x").String())
}
