// Package revision decodes ledger stream payloads into revision envelopes and
// selects the revisions that feed the sink.
package revision

import "ledgerstream/internal/document"

// RecordTypeRevisionDetails tags envelopes that carry a table revision.
const RecordTypeRevisionDetails = "REVISION_DETAILS"

// Envelope is either RevisionDetails or Control.
type Envelope interface {
	RecordType() string
	isEnvelope()
}

type TableInfo struct {
	TableName string
	TableID   string
}

type Metadata struct {
	ID      string
	Version int64
	TxTime  document.Value
	TxID    string
}

type Revision struct {
	// Data is nil when the revision has no body (e.g. a delete).
	Data     *document.Value
	Metadata *Metadata
}

type RevisionDetails struct {
	TableInfo *TableInfo
	Revision  *Revision
}

func (RevisionDetails) RecordType() string { return RecordTypeRevisionDetails }
func (RevisionDetails) isEnvelope()        {}

// Control covers every record type that carries no table revision: CONTROL
// heartbeats, BLOCK_SUMMARY and anything the ledger adds later.
type Control struct {
	Type string
}

func (c Control) RecordType() string { return c.Type }
func (Control) isEnvelope()          {}
