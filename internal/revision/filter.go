package revision

import (
	"fmt"
	"strings"

	"ledgerstream/internal/document"
)

// Extracted is a revision selected for projection.
type Extracted struct {
	Table    TableInfo
	Data     document.Value
	Metadata Metadata
}

// Filter selects revisions by table name. An empty filter accepts every table.
type Filter struct {
	tables map[string]struct{}
}

func NewFilter(tables ...string) Filter {
	f := Filter{tables: map[string]struct{}{}}
	for _, t := range tables {
		if t = strings.TrimSpace(t); t != "" {
			f.tables[t] = struct{}{}
		}
	}
	return f
}

func (f Filter) Allows(table string) bool {
	if len(f.tables) == 0 {
		return true
	}
	_, ok := f.tables[table]
	return ok
}

// Extract returns the revision carried by env. ok is false for control
// records, tables outside the filter and revisions with absent or empty data; none of those
// is an error. A revision with data but no usable metadata is a DecodeError.
func (f Filter) Extract(env Envelope) (Extracted, bool, error) {
	switch e := env.(type) {
	case Control:
		return Extracted{}, false, nil
	case RevisionDetails:
		return f.extractRevision(e)
	case *RevisionDetails:
		if e == nil {
			return Extracted{}, false, nil
		}
		return f.extractRevision(*e)
	default:
		return Extracted{}, false, fmt.Errorf("unknown envelope %T", env)
	}
}

func (f Filter) extractRevision(e RevisionDetails) (Extracted, bool, error) {
	var table TableInfo
	if e.TableInfo != nil {
		table = *e.TableInfo
	} else if len(f.tables) > 0 {
		return Extracted{}, false, nil
	}
	if !f.Allows(table.TableName) {
		return Extracted{}, false, nil
	}
	if e.Revision == nil || e.Revision.Data == nil {
		return Extracted{}, false, nil
	}
	// An empty body carries nothing to project, same as an absent one.
	if e.Revision.Data.Kind == document.Struct && len(e.Revision.Data.Fields()) == 0 {
		return Extracted{}, false, nil
	}
	if e.Revision.Data.Kind != document.Struct {
		return Extracted{}, false, decodeErr(fmt.Sprintf("revision data of table %q is %s, want struct", table.TableName, e.Revision.Data.Kind), nil)
	}
	meta := e.Revision.Metadata
	if meta == nil {
		return Extracted{}, false, decodeErr(fmt.Sprintf("revision of table %q has data but no metadata", table.TableName), nil)
	}
	if meta.TxTime.IsNull() {
		return Extracted{}, false, decodeErr(fmt.Sprintf("revision %s of table %q has no txTime", meta.ID, table.TableName), nil)
	}
	return Extracted{Table: table, Data: *e.Revision.Data, Metadata: *meta}, true, nil
}
