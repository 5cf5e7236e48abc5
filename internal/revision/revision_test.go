package revision

import (
	"encoding/base64"
	"errors"
	"testing"

	"ledgerstream/internal/document"

	"github.com/amazon-ion/ion-go/ion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const walletRevision = `{
  qldbStreamArn: "arn:aws:qldb:us-east-1:000000000000:stream/wallet/abc",
  recordType: "REVISION_DETAILS",
  payload: {
    tableInfo: { tableName: "Wallet", tableId: "L1x" },
    revision: {
      blockAddress: { strandId: "S1", sequenceNo: 14 },
      hash: {{ aGVsbG8= }},
      data: { accountId: "acct-1", balance: 10.50, owner: "ada", limits: [1, 2e0] },
      metadata: { id: "doc-1", version: 3, txTime: 2021-05-04T10:15:30.123456Z, txId: "tx-1" }
    }
  }
}`

func TestDecodeRevisionDetailsFromIonText(t *testing.T) {
	env, err := NewDecoder().Decode([]byte(walletRevision))
	require.NoError(t, err)

	rd, ok := env.(RevisionDetails)
	require.True(t, ok, "got %T", env)
	require.NotNil(t, rd.TableInfo)
	assert.Equal(t, "Wallet", rd.TableInfo.TableName)
	assert.Equal(t, "L1x", rd.TableInfo.TableID)

	require.NotNil(t, rd.Revision)
	require.NotNil(t, rd.Revision.Data)
	bal, ok := rd.Revision.Data.Get("balance")
	require.True(t, ok)
	assert.Equal(t, document.Decimal, bal.Kind)
	txt, _ := bal.Text()
	assert.Equal(t, "10.50", txt)

	require.NotNil(t, rd.Revision.Metadata)
	assert.Equal(t, "tx-1", rd.Revision.Metadata.TxID)
	assert.Equal(t, int64(3), rd.Revision.Metadata.Version)
	assert.Equal(t, document.Timestamp, rd.Revision.Metadata.TxTime.Kind)
	ts, _ := rd.Revision.Metadata.TxTime.Text()
	assert.Equal(t, "2021-05-04T10:15:30.123456Z", ts)
}

func TestDecodeControlRecord(t *testing.T) {
	env, err := NewDecoder().Decode([]byte(`{recordType: "CONTROL", payload: {controlRecordType: "CREATED"}}`))
	require.NoError(t, err)
	assert.Equal(t, Control{Type: "CONTROL"}, env)
}

func TestDecodeKeepsExtremeDecimalsCompact(t *testing.T) {
	env, err := NewDecoder().Decode([]byte(`{recordType: "CONTROL", payload: {n: 1d400000000}}`))
	require.NoError(t, err)
	assert.Equal(t, Control{Type: "CONTROL"}, env)

	v, err := NewDecoder().DecodeValue([]byte(`{big: 1d400000000, small: -3d-400000000}`))
	require.NoError(t, err)
	large, _ := v.Get("big")
	txt, _ := large.Text()
	assert.Equal(t, "1E400000000", txt)
	small, _ := v.Get("small")
	txt, _ = small.Text()
	assert.Equal(t, "-3E-400000000", txt)
	dec, ok := small.Decimal()
	require.True(t, ok)
	_, exp := dec.CoEx()
	assert.Equal(t, int32(-400000000), exp)
}

func TestDecodeBase64WrappedBinary(t *testing.T) {
	bin, err := ion.MarshalBinary(map[string]interface{}{"recordType": "BLOCK_SUMMARY"})
	require.NoError(t, err)
	wrapped := []byte(base64.StdEncoding.EncodeToString(bin))

	env, err := NewDecoder().Decode(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "BLOCK_SUMMARY", env.RecordType())

	env, err = NewDecoder().Decode(bin)
	require.NoError(t, err)
	assert.Equal(t, "BLOCK_SUMMARY", env.RecordType())
}

func TestDecodeErrors(t *testing.T) {
	bin, err := ion.MarshalBinary(map[string]interface{}{"recordType": "REVISION_DETAILS", "payload": map[string]interface{}{"x": "yyyyyyyy"}})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":      {},
		"truncated":  bin[:len(bin)-4],
		"garbage":    {0xE0, 0x01, 0x00, 0xEA, 0xFF, 0xFF},
		"not struct": []byte(`"just a string"`),
		"two values": []byte(`{recordType: "CONTROL"} {recordType: "CONTROL"}`),
	}
	for name, payload := range cases {
		_, err := NewDecoder().Decode(payload)
		require.Error(t, err, name)
		var de *DecodeError
		assert.True(t, errors.As(err, &de), "%s: %v", name, err)
	}
}

func mustDecode(t *testing.T, text string) Envelope {
	t.Helper()
	env, err := NewDecoder().Decode([]byte(text))
	require.NoError(t, err)
	return env
}

func TestFilterExtract(t *testing.T) {
	f := NewFilter("Wallet")

	got, ok, err := f.Extract(mustDecode(t, walletRevision))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Wallet", got.Table.TableName)
	assert.Equal(t, "tx-1", got.Metadata.TxID)
	acct, _ := got.Data.Get("accountId")
	s, _ := acct.Text()
	assert.Equal(t, "acct-1", s)
}

func TestFilterDiscardsWithoutError(t *testing.T) {
	f := NewFilter("Wallet")
	discarded := map[string]string{
		"control":       `{recordType: "CONTROL"}`,
		"no type":       `{payload: {}}`,
		"other table":   `{recordType: "REVISION_DETAILS", payload: {tableInfo: {tableName: "Audit"}, revision: {data: {a: 1}, metadata: {txId: "t", txTime: 2021-01-01T00:00:00Z}}}}`,
		"no table info": `{recordType: "REVISION_DETAILS", payload: {revision: {data: {a: 1}, metadata: {txId: "t", txTime: 2021-01-01T00:00:00Z}}}}`,
		"no data":       `{recordType: "REVISION_DETAILS", payload: {tableInfo: {tableName: "Wallet"}, revision: {metadata: {txId: "t", txTime: 2021-01-01T00:00:00Z}}}}`,
		"null data":     `{recordType: "REVISION_DETAILS", payload: {tableInfo: {tableName: "Wallet"}, revision: {data: null.struct, metadata: {txId: "t", txTime: 2021-01-01T00:00:00Z}}}}`,
		"no revision":   `{recordType: "REVISION_DETAILS", payload: {tableInfo: {tableName: "Wallet"}}}`,
		"empty data":    `{recordType: "REVISION_DETAILS", payload: {tableInfo: {tableName: "Wallet"}, revision: {data: {}, metadata: {txId: "t", txTime: 2021-01-01T00:00:00Z}}}}`,
	}
	for name, text := range discarded {
		_, ok, err := f.Extract(mustDecode(t, text))
		assert.NoError(t, err, name)
		assert.False(t, ok, name)
	}
}

func TestEmptyFilterAcceptsAnyTable(t *testing.T) {
	text := `{recordType: "REVISION_DETAILS", payload: {revision: {data: {a: 1}, metadata: {txId: "t", txTime: 2021-01-01T00:00:00Z}}}}`
	got, ok, err := NewFilter().Extract(mustDecode(t, text))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", got.Table.TableName)
}

func TestFilterRejectsDataWithoutTxTime(t *testing.T) {
	text := `{recordType: "REVISION_DETAILS", payload: {tableInfo: {tableName: "Wallet"}, revision: {data: {a: 1}, metadata: {txId: "t"}}}}`
	_, ok, err := NewFilter("Wallet").Extract(mustDecode(t, text))
	assert.False(t, ok)
	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}
