// Package projection turns extracted revisions into flat sink records and
// writes them to the secondary store.
package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerstream/internal/document"
	"ledgerstream/internal/revision"
	"ledgerstream/internal/storage"

	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

const (
	FieldTxTime    = "txTime"
	FieldTxID      = "txId"
	FieldTimestamp = "timestamp"

	secondsPerDay = 24 * 60 * 60
)

type Options struct {
	IdentityFields []string
	TTLAttribute   string
	// ExpireAfterDays is nil when unset. Zero days is a setting: the expiry
	// equals the timestamp.
	ExpireAfterDays *int
}

func (o *Options) withDefaults() {
	if len(o.IdentityFields) == 0 {
		o.IdentityFields = []string{"accountId"}
	}
}

// ExpiryEnabled is true only when both the attribute and the day count are set.
func (o Options) ExpiryEnabled() bool {
	return strings.TrimSpace(o.TTLAttribute) != "" && o.ExpireAfterDays != nil
}

// TxTime is the pair of time values derived from a revision's transaction time.
type TxTime struct {
	Text  string
	Epoch int64
}

// ParseTxTime keeps the textual form verbatim and derives epoch seconds from
// it at second precision: fractional seconds are dropped, never rounded.
func ParseTxTime(v document.Value) (TxTime, error) {
	text, ok := v.Text()
	if !ok || (v.Kind != document.Timestamp && v.Kind != document.String) {
		return TxTime{}, fmt.Errorf("txTime is %s, want timestamp", v.Kind)
	}
	epoch, err := EpochSeconds(text)
	if err != nil {
		if t, ok := v.Time(); ok {
			return TxTime{Text: text, Epoch: t.Unix()}, nil
		}
		return TxTime{}, err
	}
	return TxTime{Text: text, Epoch: epoch}, nil
}

// EpochSeconds parses an ISO-8601 timestamp after removing its fractional
// seconds. The zone designator is honored, so the result does not depend on
// the process time zone.
func EpochSeconds(text string) (int64, error) {
	s := strings.TrimSpace(text)
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		end := dot + 1
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		s = s[:dot] + s[end:]
	}
	t, err := time.Parse("2006-01-02T15:04:05Z07:00", s)
	if err != nil {
		return 0, fmt.Errorf("parse txTime %q: %w", text, err)
	}
	return t.Unix(), nil
}

// Build flattens an extracted revision. It is pure: the same input always
// yields the same record.
func Build(ex revision.Extracted, opts Options) (storage.SinkRecord, error) {
	opts.withDefaults()
	tx, err := ParseTxTime(ex.Metadata.TxTime)
	if err != nil {
		return storage.SinkRecord{}, err
	}

	fields := make([]document.Field, 0, len(ex.Data.Fields())+4)
	for _, f := range ex.Data.Fields() {
		fields = document.Set(fields, f.Name, f.Value)
	}
	fields = document.Set(fields, FieldTxTime, document.StringValue(tx.Text))
	fields = document.Set(fields, FieldTxID, document.StringValue(ex.Metadata.TxID))
	fields = document.Set(fields, FieldTimestamp, document.IntValue(tx.Epoch))
	if opts.ExpiryEnabled() {
		fields = document.Set(fields, opts.TTLAttribute, document.IntValue(tx.Epoch+int64(*opts.ExpireAfterDays)*secondsPerDay))
	}

	key := storage.Key{SortKeyName: FieldTxTime, SortKey: tx.Text}
	for _, name := range opts.IdentityFields {
		v, ok := ex.Data.Get(name)
		if !ok || v.IsNull() {
			return storage.SinkRecord{Key: key, Attributes: fields}, fmt.Errorf("identity field %q: %w", name, storage.ErrMissingIdentity)
		}
		if _, ok := v.Scalar(); !ok {
			return storage.SinkRecord{Key: key, Attributes: fields}, fmt.Errorf("identity field %q is %s: %w", name, v.Kind, storage.ErrInvalidIdentity)
		}
		key.Identity = append(key.Identity, document.Field{Name: name, Value: v})
	}
	return storage.SinkRecord{Key: key, Attributes: fields}, nil
}

// SinkError is a failed upsert; it carries the identity of the record.
type SinkError struct {
	Key storage.Key
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("upsert %s: %v", e.Key, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Writer builds sink records and upserts them.
type Writer struct {
	sink    storage.Sink
	opts    Options
	timeout time.Duration
	logger  logrus.FieldLogger
}

func NewWriter(sink storage.Sink, opts Options, timeout time.Duration, logger logrus.FieldLogger) *Writer {
	opts.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Writer{sink: sink, opts: opts, timeout: timeout, logger: logger}
}

// Apply projects ex and upserts it. Failures are logged with the record
// identity and returned as *SinkError; they are never retried here.
func (w *Writer) Apply(ctx context.Context, ex revision.Extracted) (storage.SinkRecord, error) {
	rec, err := Build(ex, w.opts)
	if err != nil {
		w.logFailure(rec.Key, ex, err)
		return rec, &SinkError{Key: rec.Key, Err: err}
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := w.sink.Upsert(ctx, rec); err != nil {
		w.logFailure(rec.Key, ex, err)
		return rec, &SinkError{Key: rec.Key, Err: err}
	}
	return rec, nil
}

func (w *Writer) logFailure(key storage.Key, ex revision.Extracted, err error) {
	fields := logrus.Fields{
		"identity":    key.IdentityString(),
		"tx_time":     key.SortKey,
		"tx_id":       ex.Metadata.TxID,
		"table":       ex.Table.TableName,
		"document_id": ex.Metadata.ID,
		"version":     ex.Metadata.Version,
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		fields["error_code"] = apiErr.ErrorCode()
	}
	w.logger.WithFields(fields).WithError(err).Error("error processing record")
}
