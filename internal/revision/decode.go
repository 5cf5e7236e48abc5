package revision

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"ledgerstream/internal/document"

	"github.com/amazon-ion/ion-go/ion"
)

// ionBVM is the Ion 1.0 binary version marker.
var ionBVM = []byte{0xE0, 0x01, 0x00, 0xEA}

var ErrEmptyPayload = errors.New("empty payload")

// DecodeError marks a payload that cannot be turned into an envelope. The
// stream is considered corrupt; the batch fails.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode revision: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode revision: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

type Decoder struct{}

func NewDecoder() *Decoder { return &Decoder{} }

// Unwrap strips a base64 text wrapping when the wrapped bytes are binary Ion.
// Anything else is returned unchanged and read as Ion (binary or text).
func Unwrap(payload []byte) []byte {
	if bytes.HasPrefix(payload, ionBVM) {
		return payload
	}
	trimmed := bytes.TrimSpace(payload)
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(decoded, trimmed)
	if err == nil && bytes.HasPrefix(decoded[:n], ionBVM) {
		return decoded[:n]
	}
	return payload
}

// DecodeValue reads exactly one top-level Ion value.
func (d *Decoder) DecodeValue(payload []byte) (document.Value, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return document.Value{}, decodeErr("read payload", ErrEmptyPayload)
	}
	r := ion.NewReaderBytes(Unwrap(payload))
	if !r.Next() {
		if err := r.Err(); err != nil {
			return document.Value{}, decodeErr("read top-level value", err)
		}
		return document.Value{}, decodeErr("read payload", ErrEmptyPayload)
	}
	v, err := readValue(r)
	if err != nil {
		return document.Value{}, err
	}
	if r.Next() {
		return document.Value{}, decodeErr("trailing value after envelope", nil)
	}
	if err := r.Err(); err != nil {
		return document.Value{}, decodeErr("read trailing data", err)
	}
	return v, nil
}

// Decode reads a payload and shapes it into an Envelope.
func (d *Decoder) Decode(payload []byte) (Envelope, error) {
	v, err := d.DecodeValue(payload)
	if err != nil {
		return nil, err
	}
	return EnvelopeFromValue(v)
}

func readValue(r ion.Reader) (document.Value, error) {
	if r.IsNull() {
		return document.NullValue(), nil
	}
	switch t := r.Type(); t {
	case ion.BoolType:
		b, err := r.BoolValue()
		if err != nil || b == nil {
			return document.Value{}, decodeErr("read bool", err)
		}
		return document.BoolValue(*b), nil
	case ion.IntType:
		n, err := r.BigIntValue()
		if err != nil || n == nil {
			return document.Value{}, decodeErr("read int", err)
		}
		return document.BigIntValue(n), nil
	case ion.FloatType:
		f, err := r.FloatValue()
		if err != nil || f == nil {
			return document.Value{}, decodeErr("read float", err)
		}
		return document.FloatValue(*f), nil
	case ion.DecimalType:
		dec, err := r.DecimalValue()
		if err != nil || dec == nil {
			return document.Value{}, decodeErr("read decimal", err)
		}
		return document.IonDecimalValue(dec), nil
	case ion.TimestampType:
		ts, err := r.TimestampValue()
		if err != nil || ts == nil {
			return document.Value{}, decodeErr("read timestamp", err)
		}
		return document.TimestampValue(ts.GetDateTime(), ts.String()), nil
	case ion.StringType:
		s, err := r.StringValue()
		if err != nil || s == nil {
			return document.Value{}, decodeErr("read string", err)
		}
		return document.StringValue(*s), nil
	case ion.SymbolType:
		s, err := r.StringValue()
		if err != nil || s == nil {
			return document.Value{}, decodeErr("read symbol", err)
		}
		return document.SymbolValue(*s), nil
	case ion.BlobType, ion.ClobType:
		b, err := r.ByteValue()
		if err != nil {
			return document.Value{}, decodeErr("read lob", err)
		}
		return document.BlobValue(b), nil
	case ion.ListType, ion.SexpType:
		items, err := readList(r)
		if err != nil {
			return document.Value{}, err
		}
		return document.ListValue(items...), nil
	case ion.StructType:
		fields, err := readStruct(r)
		if err != nil {
			return document.Value{}, err
		}
		return document.StructValue(fields...), nil
	default:
		return document.Value{}, decodeErr(fmt.Sprintf("unsupported ion type %v", t), nil)
	}
}

func readList(r ion.Reader) ([]document.Value, error) {
	if err := r.StepIn(); err != nil {
		return nil, decodeErr("step into list", err)
	}
	var items []document.Value
	for r.Next() {
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := r.Err(); err != nil {
		return nil, decodeErr("read list", err)
	}
	if err := r.StepOut(); err != nil {
		return nil, decodeErr("step out of list", err)
	}
	return items, nil
}

func readStruct(r ion.Reader) ([]document.Field, error) {
	if err := r.StepIn(); err != nil {
		return nil, decodeErr("step into struct", err)
	}
	var fields []document.Field
	for r.Next() {
		tok, err := r.FieldName()
		if err != nil {
			return nil, decodeErr("read field name", err)
		}
		name := ""
		switch {
		case tok == nil:
			return nil, decodeErr("struct field without name", nil)
		case tok.Text != nil:
			name = *tok.Text
		default:
			name = "$" + strconv.FormatInt(tok.LocalSID, 10)
		}
		v, err := readValue(r)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields = append(fields, document.Field{Name: name, Value: v})
	}
	if err := r.Err(); err != nil {
		return nil, decodeErr("read struct", err)
	}
	if err := r.StepOut(); err != nil {
		return nil, decodeErr("step out of struct", err)
	}
	return fields, nil
}

// EnvelopeFromValue shapes a decoded top-level value into an Envelope.
func EnvelopeFromValue(v document.Value) (Envelope, error) {
	if v.Kind != document.Struct {
		return nil, decodeErr(fmt.Sprintf("envelope is %s, want struct", v.Kind), nil)
	}
	recordType := ""
	if rt, ok := v.Get("recordType"); ok {
		s, ok := rt.Text()
		if !ok {
			return nil, decodeErr(fmt.Sprintf("recordType is %s", rt.Kind), nil)
		}
		recordType = s
	}
	if recordType != RecordTypeRevisionDetails {
		return Control{Type: recordType}, nil
	}

	details := RevisionDetails{}
	if ti, ok := v.Path("payload", "tableInfo"); ok && ti.Kind == document.Struct {
		details.TableInfo = &TableInfo{TableName: textField(ti, "tableName"), TableID: textField(ti, "tableId")}
	}
	rev, ok := v.Path("payload", "revision")
	if !ok || rev.Kind != document.Struct {
		return details, nil
	}
	details.Revision = &Revision{}
	if data, ok := rev.Get("data"); ok && !data.IsNull() {
		details.Revision.Data = &data
	}
	if meta, ok := rev.Get("metadata"); ok && meta.Kind == document.Struct {
		m := &Metadata{
			ID:   textField(meta, "id"),
			TxID: textField(meta, "txId"),
		}
		if tt, ok := meta.Get("txTime"); ok {
			m.TxTime = tt
		}
		if ver, ok := meta.Get("version"); ok {
			if n, ok := ver.BigInt(); ok && n.IsInt64() {
				m.Version = n.Int64()
			}
		}
		details.Revision.Metadata = m
	}
	return details, nil
}

func textField(v document.Value, name string) string {
	f, ok := v.Get(name)
	if !ok {
		return ""
	}
	s, _ := f.Scalar()
	return s
}
