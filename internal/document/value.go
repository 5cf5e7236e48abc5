// Package document models schema-less ledger documents as a recursive tagged value.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/amazon-ion/ion-go/ion"
)

type Kind uint8

const (
	Null Kind = iota
	Bool
	Int
	Float
	Decimal
	Timestamp
	String
	Symbol
	Blob
	List
	Struct
)

var kindNames = [...]string{"null", "bool", "int", "float", "decimal", "timestamp", "string", "symbol", "blob", "list", "struct"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Field is one named member of a Struct value.
type Field struct {
	Name  string
	Value Value
}

// Value is a single document value. Only the members matching Kind are set.
type Value struct {
	Kind Kind

	b      bool
	i      *big.Int
	f      float64
	text   string // string, symbol, decimal and timestamp text
	dec    *ion.Decimal
	t      time.Time
	blob   []byte
	list   []Value
	fields []Field
}

func NullValue() Value           { return Value{Kind: Null} }
func BoolValue(b bool) Value     { return Value{Kind: Bool, b: b} }
func IntValue(i int64) Value     { return Value{Kind: Int, i: big.NewInt(i)} }
func BigIntValue(i *big.Int) Value {
	return Value{Kind: Int, i: new(big.Int).Set(i)}
}
func FloatValue(f float64) Value { return Value{Kind: Float, f: f} }
func StringValue(s string) Value { return Value{Kind: String, text: s} }
func SymbolValue(s string) Value { return Value{Kind: Symbol, text: s} }
func BlobValue(b []byte) Value   { return Value{Kind: Blob, blob: append([]byte(nil), b...)} }
func ListValue(items ...Value) Value {
	return Value{Kind: List, list: items}
}
func StructValue(fields ...Field) Value {
	return Value{Kind: Struct, fields: fields}
}

// DecimalValue parses a decimal literal in Ion notation ("10.50", "15d-1").
func DecimalValue(lit string) (Value, error) {
	d, err := ion.ParseDecimal(strings.ReplaceAll(strings.TrimSpace(lit), "_", ""))
	if err != nil {
		return Value{}, fmt.Errorf("decimal %q: %w", lit, err)
	}
	return IonDecimalValue(d), nil
}

// IonDecimalValue wraps an arbitrary-precision decimal.
func IonDecimalValue(d *ion.Decimal) Value {
	return Value{Kind: Decimal, dec: d, text: DecimalText(d)}
}

// TimestampValue keeps the textual form verbatim next to the parsed instant so
// fractional precision survives a round trip.
func TimestampValue(t time.Time, text string) Value {
	return Value{Kind: Timestamp, t: t, text: text}
}

func (v Value) IsNull() bool { return v.Kind == Null }

func (v Value) Bool() (bool, bool) { return v.b, v.Kind == Bool }

func (v Value) BigInt() (*big.Int, bool) {
	if v.Kind != Int || v.i == nil {
		return nil, false
	}
	return new(big.Int).Set(v.i), true
}

func (v Value) Float() (float64, bool) { return v.f, v.Kind == Float }

func (v Value) Decimal() (*ion.Decimal, bool) {
	if v.Kind != Decimal || v.dec == nil {
		return nil, false
	}
	return v.dec, true
}

// Text returns the textual content of string, symbol, decimal and timestamp values.
func (v Value) Text() (string, bool) {
	switch v.Kind {
	case String, Symbol, Decimal, Timestamp:
		return v.text, true
	}
	return "", false
}

func (v Value) Time() (time.Time, bool) { return v.t, v.Kind == Timestamp }

func (v Value) Bytes() ([]byte, bool) { return v.blob, v.Kind == Blob }

func (v Value) Items() []Value {
	if v.Kind != List {
		return nil
	}
	return v.list
}

func (v Value) Fields() []Field {
	if v.Kind != Struct {
		return nil
	}
	return v.fields
}

// Get returns the last field called name.
func (v Value) Get(name string) (Value, bool) {
	if v.Kind != Struct {
		return Value{}, false
	}
	for i := len(v.fields) - 1; i >= 0; i-- {
		if v.fields[i].Name == name {
			return v.fields[i].Value, true
		}
	}
	return Value{}, false
}

// Path walks nested structs.
func (v Value) Path(names ...string) (Value, bool) {
	cur := v
	for _, n := range names {
		next, ok := cur.Get(n)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Scalar renders scalar values as text; used for keys and log fields.
func (v Value) Scalar() (string, bool) {
	switch v.Kind {
	case Bool:
		if v.b {
			return "true", true
		}
		return "false", true
	case Int:
		return v.i.String(), true
	case Float:
		return strconv.FormatFloat(v.f, 'g', -1, 64), true
	case String, Symbol, Decimal, Timestamp:
		return v.text, true
	}
	return "", false
}

// Interface converts v to plain Go values: nil, bool, int64 or json.Number,
// float64, json.Number (decimal), string, []byte, []any, map[string]any.
func (v Value) Interface() any {
	switch v.Kind {
	case Bool:
		return v.b
	case Int:
		if v.i.IsInt64() {
			return v.i.Int64()
		}
		return json.Number(v.i.String())
	case Float:
		return v.f
	case Decimal:
		return json.Number(v.text)
	case String, Symbol, Timestamp:
		return v.text
	case Blob:
		return v.blob
	case List:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case Struct:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Name] = f.Value.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON writes structs in field order, which keeps encodings stable
// across deliveries of the same revision.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.Kind {
	case List:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case Struct:
		return writeFieldsJSON(buf, dedupe(v.fields))
	}
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// FieldsJSON encodes a flat field list as one JSON object.
func FieldsJSON(fields []Field) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFieldsJSON(&buf, dedupe(fields)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFieldsJSON(buf *bytes.Buffer, fields []Field) error {
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(f.Name)
		buf.Write(name)
		buf.WriteByte(':')
		if err := f.Value.writeJSON(buf); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// dedupe keeps the last occurrence of every field name at the position of its
// first occurrence.
func dedupe(fields []Field) []Field {
	seen := make(map[string]int, len(fields))
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if i, ok := seen[f.Name]; ok {
			out[i] = f
			continue
		}
		seen[f.Name] = len(out)
		out = append(out, f)
	}
	return out
}

// Set returns fields with name assigned to v, replacing an existing member.
func Set(fields []Field, name string, v Value) []Field {
	for i := range fields {
		if fields[i].Name == name {
			fields[i].Value = v
			return fields
		}
	}
	return append(fields, Field{Name: name, Value: v})
}

// maxPlainZeros bounds the zero padding DecimalText writes before switching to
// exponent notation, so the rendered size follows the coefficient and never
// the exponent.
const maxPlainZeros = 32

// DecimalText renders d as a JSON and DynamoDB compatible number. Values whose
// plain form needs at most maxPlainZeros padding zeros are written plainly
// ("10.50", "0.00015", "1200"); anything further out uses an exponent
// ("15E-40", "1E400000000"). Negative zero renders as zero.
func DecimalText(d *ion.Decimal) string {
	coef, exp := d.CoEx()
	digits := new(big.Int).Abs(coef).String()
	sign := ""
	if coef.Sign() < 0 {
		sign = "-"
	}
	e := int64(exp)
	switch {
	case e >= 0 && e <= maxPlainZeros:
		if digits == "0" {
			return "0"
		}
		return sign + digits + strings.Repeat("0", int(e))
	case e < 0:
		point := int64(len(digits)) + e
		if point > 0 {
			return sign + digits[:point] + "." + digits[point:]
		}
		if -point <= maxPlainZeros {
			return sign + "0." + strings.Repeat("0", int(-point)) + digits
		}
	}
	return sign + digits + "E" + strconv.FormatInt(e, 10)
}
