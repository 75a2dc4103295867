// Package serializer converts registered entities, nested line items included,
// to and from JSON-compatible documents using only registry descriptors.
package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// Document is the JSON-compatible form of one entity.
type Document map[string]any

// TimeFormat is used for every timestamp in a document.
const TimeFormat = time.RFC3339Nano

// Serializer converts entities using a frozen registry.
type Serializer struct {
	reg *registry.Registry
}

// New creates a Serializer backed by reg.
func New(reg *registry.Registry) *Serializer {
	return &Serializer{reg: reg}
}

// Registry returns the registry the serializer reads descriptors from.
func (s *Serializer) Registry() *registry.Registry {
	return s.reg
}

// Serialize converts e into a document. The type is resolved from e's Go type.
func (s *Serializer) Serialize(e models.Synchronizable) (Document, error) {
	d, err := s.reg.DescriptorOf(e)
	if err != nil {
		return nil, err
	}
	return s.serialize(d, e, d.Name)
}

func (s *Serializer) serialize(d *registry.Descriptor, e models.Synchronizable, path string) (Document, error) {
	v, err := d.Struct(e)
	if err != nil {
		return nil, err
	}
	meta := e.Meta()

	doc := make(Document, len(d.Fields)+len(d.Collections)+4)
	doc[registry.KeyUUID] = meta.UUID
	doc[registry.KeyIsDeleted] = meta.IsDeleted
	if meta.UpdatedAt.IsZero() {
		doc[registry.KeyUpdatedAt] = nil
	} else {
		doc[registry.KeyUpdatedAt] = meta.UpdatedAt.UTC().Format(TimeFormat)
	}
	if req := d.RequiredFields(); len(req) > 0 {
		list := make([]any, len(req))
		for i, name := range req {
			list[i] = name
		}
		doc[registry.KeyRequired] = list
	}

	for _, f := range d.Fields {
		fv := f.Value(v)
		if f.Nullable {
			if fv.IsNil() {
				doc[f.Name] = nil
				continue
			}
			fv = fv.Elem()
		}
		out, err := encodeScalar(f.Kind, fv)
		if err != nil {
			return nil, serializationErr(path+"."+f.Name, err)
		}
		doc[f.Name] = out
	}

	for _, c := range d.Collections {
		child, err := s.reg.Lookup(c.ElemType)
		if err != nil {
			return nil, err
		}
		sv := c.Value(v)
		items := make([]any, 0, sv.Len())
		for i := 0; i < sv.Len(); i++ {
			ev := sv.Index(i)
			if ev.IsNil() {
				return nil, serializationErr(fmt.Sprintf("%s.%s[%d]", path, c.Name, i), fmt.Errorf("nil element"))
			}
			cd, err := s.serialize(child, ev.Interface().(models.Synchronizable), fmt.Sprintf("%s.%s[%d]", path, c.Name, i))
			if err != nil {
				return nil, err
			}
			items = append(items, cd)
		}
		doc[c.Name] = items
	}
	return doc, nil
}

func encodeScalar(kind registry.Kind, v reflect.Value) (any, error) {
	switch kind {
	case registry.KindString:
		return v.String(), nil
	case registry.KindInt:
		return v.Int(), nil
	case registry.KindFloat:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite float %v", f)
		}
		return f, nil
	case registry.KindBool:
		return v.Bool(), nil
	case registry.KindTime:
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return nil, nil
		}
		return t.UTC().Format(TimeFormat), nil
	}
	return nil, fmt.Errorf("unsupported kind %s", kind)
}

// Deserialize rebuilds an entity of the named type from doc.
//
// Missing optional keys and explicit nulls both produce zero values (nil for
// pointer fields, nil for empty collections). A document missing a field the
// local schema requires, or declaring a required field the local schema does
// not know, fails with SCHEMA_MISMATCH.
func (s *Serializer) Deserialize(typeName string, doc Document) (models.Synchronizable, error) {
	d, err := s.reg.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	return s.deserialize(d, doc, d.Name)
}

func (s *Serializer) deserialize(d *registry.Descriptor, doc Document, path string) (models.Synchronizable, error) {
	if doc == nil {
		return nil, serializationErr(path, fmt.Errorf("document is null"))
	}
	if err := checkSchema(d, doc, path); err != nil {
		return nil, err
	}

	e := d.New()
	v, err := d.Struct(e)
	if err != nil {
		return nil, err
	}
	meta := e.Meta()

	id, ok := doc[registry.KeyUUID].(string)
	if !ok || uuid.Validate(id) != nil {
		return nil, serializationErr(path+".uuid", fmt.Errorf("missing or invalid uuid"))
	}
	meta.UUID = id

	if raw, present := doc[registry.KeyUpdatedAt]; present && raw != nil {
		ts, err := decodeTime(raw)
		if err != nil {
			return nil, serializationErr(path+".updated_at", err)
		}
		meta.UpdatedAt = ts
	}
	if raw, present := doc[registry.KeyIsDeleted]; present && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return nil, serializationErr(path+".is_deleted", fmt.Errorf("expected boolean, got %T", raw))
		}
		meta.IsDeleted = b
	}

	for _, f := range d.Fields {
		raw, present := doc[f.Name]
		if !present || raw == nil {
			continue
		}
		fv := f.Value(v)
		target := fv
		if f.Nullable {
			target = reflect.New(fv.Type().Elem()).Elem()
		}
		if err := decodeScalar(f.Kind, raw, target); err != nil {
			return nil, serializationErr(path+"."+f.Name, err)
		}
		if f.Nullable {
			ptr := reflect.New(target.Type())
			ptr.Elem().Set(target)
			fv.Set(ptr)
		}
	}

	for _, c := range d.Collections {
		raw, present := doc[c.Name]
		if !present || raw == nil {
			continue
		}
		items, err := asList(raw)
		if err != nil {
			return nil, serializationErr(path+"."+c.Name, err)
		}
		if len(items) == 0 {
			continue
		}
		child, err := s.reg.Lookup(c.ElemType)
		if err != nil {
			return nil, err
		}
		sv := c.Value(v)
		out := reflect.MakeSlice(sv.Type(), 0, len(items))
		for i, item := range items {
			itemPath := fmt.Sprintf("%s.%s[%d]", path, c.Name, i)
			cdoc, err := asDocument(item)
			if err != nil {
				return nil, serializationErr(itemPath, err)
			}
			ce, err := s.deserialize(child, cdoc, itemPath)
			if err != nil {
				return nil, err
			}
			out = reflect.Append(out, reflect.ValueOf(ce))
		}
		sv.Set(out)
	}
	return e, nil
}

func checkSchema(d *registry.Descriptor, doc Document, path string) error {
	for _, f := range d.Fields {
		if !f.Required {
			continue
		}
		if raw, ok := doc[f.Name]; !ok || raw == nil {
			return apperrors.Newf(apperrors.ErrSchemaMismatch, "%s: required field %q is missing", path, f.Name)
		}
	}
	if raw, ok := doc[registry.KeyRequired]; ok && raw != nil {
		names, err := asList(raw)
		if err != nil {
			return serializationErr(path+"."+registry.KeyRequired, err)
		}
		for _, n := range names {
			name, ok := n.(string)
			if !ok {
				return serializationErr(path+"."+registry.KeyRequired, fmt.Errorf("expected field names"))
			}
			if !d.Knows(name) {
				return apperrors.Newf(apperrors.ErrSchemaMismatch,
					"%s: sender requires field %q unknown to this schema version", path, name)
			}
		}
	}
	if d.Strict {
		for key := range doc {
			if !d.Knows(key) {
				return apperrors.Newf(apperrors.ErrSchemaMismatch, "%s: unknown field %q", path, key)
			}
		}
	}
	return nil
}

func decodeScalar(kind registry.Kind, raw any, target reflect.Value) error {
	switch kind {
	case registry.KindString:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
		target.SetString(s)
	case registry.KindInt:
		n, err := toInt(raw)
		if err != nil {
			return err
		}
		if target.OverflowInt(n) {
			return fmt.Errorf("integer %d overflows %s", n, target.Type())
		}
		target.SetInt(n)
	case registry.KindFloat:
		f, err := toFloat(raw)
		if err != nil {
			return err
		}
		target.SetFloat(f)
	case registry.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("expected boolean, got %T", raw)
		}
		target.SetBool(b)
	case registry.KindTime:
		t, err := decodeTime(raw)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(t))
	default:
		return fmt.Errorf("unsupported kind %s", kind)
	}
	return nil
}

func toInt(raw any) (int64, error) {
	switch n := raw.(type) {
	case json.Number:
		return n.Int64()
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func toFloat(raw any) (float64, error) {
	switch n := raw.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

func decodeTime(raw any) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected RFC3339 timestamp, got %T", raw)
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func asList(raw any) ([]any, error) {
	switch l := raw.(type) {
	case []any:
		return l, nil
	case []Document:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, nil
	case []string:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected array, got %T", raw)
}

func asDocument(raw any) (Document, error) {
	switch m := raw.(type) {
	case Document:
		return m, nil
	case map[string]any:
		return Document(m), nil
	}
	return nil, fmt.Errorf("expected object, got %T", raw)
}

func serializationErr(path string, err error) error {
	return apperrors.Wrap(apperrors.ErrSerialization, path, err)
}

// Canonical returns the deterministic JSON encoding of doc (sorted keys).
func Canonical(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// Parse decodes raw JSON into a document, keeping numbers exact.
func Parse(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSerialization, "invalid document JSON", err)
	}
	return doc, nil
}

// SameContent reports whether two documents describe the same entity state,
// ignoring updated_at and the _required declaration.
func SameContent(a, b Document) bool {
	ca, errA := Canonical(stripVolatile(a))
	cb, errB := Canonical(stripVolatile(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func stripVolatile(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if k == registry.KeyUpdatedAt || k == registry.KeyRequired {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

// normalize makes values decoded with UseNumber comparable with freshly
// serialized ones, and drops volatile keys from nested documents.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return float64(i)
		}
		f, _ := x.Float64()
		return f
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case Document:
		return stripVolatile(x)
	case map[string]any:
		return stripVolatile(Document(x))
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	}
	return v
}
