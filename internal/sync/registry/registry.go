// Package registry maps entity type names to the descriptors used by the
// serializer, the entity store and the change tracker. Descriptors are built
// once at startup from `sync` struct tags; no code path switches on concrete
// entity types.
package registry

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
)

// Kind is the wire/storage kind of a scalar field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
)

// Keys every document carries regardless of type.
const (
	KeyUUID      = "uuid"
	KeyUpdatedAt = "updated_at"
	KeyIsDeleted = "is_deleted"
	KeyRequired  = "_required"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var timeType = reflect.TypeOf(time.Time{})

// Field describes one scalar field.
type Field struct {
	Name     string
	Column   string
	Kind     Kind
	Required bool
	Nullable bool
	index    []int
}

// Value returns the addressable struct field of v (a struct value).
func (f Field) Value(v reflect.Value) reflect.Value {
	return v.FieldByIndex(f.index)
}

// Collection describes a nested list of registered child entities.
type Collection struct {
	Name         string
	ElemType     string
	ParentColumn string
	index        []int
	elemGoType   reflect.Type
}

// Value returns the slice field of v (a struct value).
func (c Collection) Value(v reflect.Value) reflect.Value {
	return v.FieldByIndex(c.index)
}

// Descriptor is everything generic code needs to handle one entity type.
type Descriptor struct {
	Name        string
	Table       string
	Fields      []Field
	Collections []Collection
	New         func() models.Synchronizable
	// Strict descriptors reject documents with fields they do not know.
	Strict bool
	// Child is set for types that only travel embedded in a parent.
	Child bool

	goType reflect.Type
	byName map[string]int
}

// Field looks up a scalar field by document key.
func (d *Descriptor) Field(name string) (Field, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Field{}, false
	}
	return d.Fields[i], true
}

// Knows reports whether name is a field, a collection or a reserved key of this type.
func (d *Descriptor) Knows(name string) bool {
	switch name {
	case KeyUUID, KeyUpdatedAt, KeyIsDeleted, KeyRequired:
		return true
	}
	if _, ok := d.byName[name]; ok {
		return true
	}
	for _, c := range d.Collections {
		if c.Name == name {
			return true
		}
	}
	return false
}

// RequiredFields lists the names of required scalar fields in declaration order.
func (d *Descriptor) RequiredFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Struct returns the struct value behind e, checking that e belongs to this type.
func (d *Descriptor) Struct(e models.Synchronizable) (reflect.Value, error) {
	v := reflect.ValueOf(e)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Type() != d.goType {
		return reflect.Value{}, apperrors.Newf(apperrors.ErrSerialization,
			"%T is not a %s", e, d.Name)
	}
	return v.Elem(), nil
}

// Option customises a descriptor at registration.
type Option func(*Descriptor)

// WithStrict makes the type reject unknown document fields.
func WithStrict() Option {
	return func(d *Descriptor) { d.Strict = true }
}

// Registry holds descriptors by name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	byType map[reflect.Type]*Descriptor
	frozen bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		byType: make(map[reflect.Type]*Descriptor),
	}
}

// Register builds a descriptor from the struct tags of the type produced by newFn.
func (r *Registry) Register(name, table string, newFn func() models.Synchronizable, opts ...Option) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil, fmt.Errorf("registry is frozen, cannot register %s", name)
	}
	if name == "" || newFn == nil {
		return nil, fmt.Errorf("entity name and constructor are required")
	}
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("entity type %s already registered", name)
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q for %s", table, name)
	}
	for _, d := range r.byName {
		if d.Table == table {
			return nil, fmt.Errorf("table %s already used by %s", table, d.Name)
		}
	}

	proto := newFn()
	pv := reflect.ValueOf(proto)
	if pv.Kind() != reflect.Ptr || pv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("constructor for %s must return a pointer to a struct", name)
	}

	d := &Descriptor{
		Name:   name,
		Table:  table,
		New:    newFn,
		goType: pv.Elem().Type(),
		byName: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.parse(); err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}

	r.byName[name] = d
	r.byType[d.goType] = d
	return d, nil
}

// MustRegister is Register for startup code where a bad descriptor is a programming error.
func (r *Registry) MustRegister(name, table string, newFn func() models.Synchronizable, opts ...Option) *Descriptor {
	d, err := r.Register(name, table, newFn, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor) parse() error {
	t := d.goType
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup("sync")
		if !ok || tag == "-" {
			continue
		}
		parts := strings.Split(tag, ",")
		name := parts[0]
		if !identRe.MatchString(name) {
			return fmt.Errorf("field %s: invalid sync name %q", sf.Name, name)
		}
		if d.Knows(name) {
			return fmt.Errorf("field %s: name %q is reserved or duplicated", sf.Name, name)
		}

		var required bool
		var collection, parent string
		for _, opt := range parts[1:] {
			switch {
			case opt == "required":
				required = true
			case strings.HasPrefix(opt, "collection="):
				collection = strings.TrimPrefix(opt, "collection=")
			case strings.HasPrefix(opt, "parent="):
				parent = strings.TrimPrefix(opt, "parent=")
			default:
				return fmt.Errorf("field %s: unknown sync option %q", sf.Name, opt)
			}
		}

		if collection != "" {
			if sf.Type.Kind() != reflect.Slice || sf.Type.Elem().Kind() != reflect.Ptr ||
				sf.Type.Elem().Elem().Kind() != reflect.Struct {
				return fmt.Errorf("collection %s must be a slice of struct pointers", sf.Name)
			}
			if !identRe.MatchString(parent) {
				return fmt.Errorf("collection %s needs a parent=column option", sf.Name)
			}
			d.Collections = append(d.Collections, Collection{
				Name:         name,
				ElemType:     collection,
				ParentColumn: parent,
				index:        sf.Index,
				elemGoType:   sf.Type.Elem().Elem(),
			})
			continue
		}

		kind, nullable, err := kindOf(sf.Type)
		if err != nil {
			return fmt.Errorf("field %s: %w", sf.Name, err)
		}
		d.byName[name] = len(d.Fields)
		d.Fields = append(d.Fields, Field{
			Name:     name,
			Column:   name,
			Kind:     kind,
			Required: required,
			Nullable: nullable,
			index:    sf.Index,
		})
	}
	if _, ok := reflect.New(t).Interface().(models.Synchronizable); !ok {
		return fmt.Errorf("%s does not embed models.SyncMeta", t.Name())
	}
	return nil
}

func kindOf(t reflect.Type) (Kind, bool, error) {
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}
	if t == timeType {
		return KindTime, nullable, nil
	}
	switch t.Kind() {
	case reflect.String:
		return KindString, nullable, nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		return KindInt, nullable, nil
	case reflect.Float32, reflect.Float64:
		return KindFloat, nullable, nil
	case reflect.Bool:
		return KindBool, nullable, nil
	}
	return "", false, fmt.Errorf("unsupported field type %s", t)
}

// Freeze validates cross-type references and blocks further registration.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.byName {
		for _, c := range d.Collections {
			child, ok := r.byName[c.ElemType]
			if !ok {
				return fmt.Errorf("%s.%s references unregistered type %s", d.Name, c.Name, c.ElemType)
			}
			if child.goType != c.elemGoType {
				return fmt.Errorf("%s.%s element type does not match %s", d.Name, c.Name, c.ElemType)
			}
			pf, ok := child.Field(c.ParentColumn)
			if !ok || pf.Kind != KindString || pf.Nullable {
				return fmt.Errorf("%s has no string field %s to reference its parent", child.Name, c.ParentColumn)
			}
			child.Child = true
		}
	}
	r.frozen = true
	return nil
}

// Lookup returns the descriptor for a type name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownEntityType, "entity type %q is not registered", name)
	}
	return d, nil
}

// DescriptorOf returns the descriptor registered for e's concrete type.
func (r *Registry) DescriptorOf(e models.Synchronizable) (*Descriptor, error) {
	t := reflect.TypeOf(e)
	if t == nil || t.Kind() != reflect.Ptr {
		return nil, apperrors.Newf(apperrors.ErrUnknownEntityType, "%T is not a registered entity", e)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t.Elem()]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrUnknownEntityType, "%T is not a registered entity", e)
	}
	return d, nil
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors, children first, so that dependent
// tables can be created in order.
func (r *Registry) Descriptors() []*Descriptor {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(names))
	for _, n := range names {
		if r.byName[n].Child {
			out = append(out, r.byName[n])
		}
	}
	for _, n := range names {
		if !r.byName[n].Child {
			out = append(out, r.byName[n])
		}
	}
	return out
}
