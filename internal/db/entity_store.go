package db

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
)

// positionColumn orders child rows inside their parent collection.
const positionColumn = "sync_position"

// EntityStore persists registered entities in tables derived from their
// descriptors. Child collections live in their own tables and are replaced
// as a whole whenever the parent is written.
type EntityStore struct {
	reg *registry.Registry
}

// NewEntityStore creates an EntityStore over reg.
func NewEntityStore(reg *registry.Registry) *EntityStore {
	return &EntityStore{reg: reg}
}

// Registry returns the registry the store was built from.
func (s *EntityStore) Registry() *registry.Registry {
	return s.reg
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func columnType(k registry.Kind) string {
	switch k {
	case registry.KindInt, registry.KindTime:
		return "BIGINT"
	case registry.KindFloat:
		return "DOUBLE PRECISION"
	case registry.KindBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// EnsureSchema creates the entity tables that do not exist yet.
func (s *EntityStore) EnsureSchema(ctx context.Context, c Conn) error {
	for _, d := range s.reg.Descriptors() {
		cols := []string{
			quote(registry.KeyUUID) + " TEXT PRIMARY KEY",
			quote(registry.KeyUpdatedAt) + " BIGINT",
			quote(registry.KeyIsDeleted) + " INTEGER NOT NULL DEFAULT 0",
		}
		if d.Child {
			cols = append(cols, quote(positionColumn)+" INTEGER NOT NULL DEFAULT 0")
		}
		for _, f := range d.Fields {
			col := quote(f.Column) + " " + columnType(f.Kind)
			cols = append(cols, col)
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(d.Table), strings.Join(cols, ",\n\t"))
		if _, err := c.ExecContext(ctx, stmt); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "create table "+d.Table, err)
		}
	}

	// Parent-column indexes once every table exists.
	for _, d := range s.reg.Descriptors() {
		for _, col := range d.Collections {
			child, err := s.reg.Lookup(col.ElemType)
			if err != nil {
				return err
			}
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quote("idx_"+child.Table+"_"+col.ParentColumn), quote(child.Table), quote(col.ParentColumn))
			if _, err := c.ExecContext(ctx, stmt); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "create index on "+child.Table, err)
			}
		}
	}
	return nil
}

func selectColumns(d *registry.Descriptor) string {
	cols := []string{quote(registry.KeyUUID), quote(registry.KeyUpdatedAt), quote(registry.KeyIsDeleted)}
	for _, f := range d.Fields {
		cols = append(cols, quote(f.Column))
	}
	return strings.Join(cols, ", ")
}

// Exists reports whether a row with the uuid exists, soft-deleted or not.
func (s *EntityStore) Exists(ctx context.Context, c Conn, typeName, entityUUID string) (bool, error) {
	d, err := s.reg.Lookup(typeName)
	if err != nil {
		return false, err
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quote(d.Table), quote(registry.KeyUUID))
	if err := c.QueryRowContext(ctx, query, entityUUID).Scan(&n); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "check entity existence", err)
	}
	return n > 0, nil
}

// Load reads one entity with its collections. Soft-deleted entities are
// returned too; callers decide what a tombstone means to them.
func (s *EntityStore) Load(ctx context.Context, c Conn, typeName, entityUUID string) (models.Synchronizable, error) {
	d, err := s.reg.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", selectColumns(d), quote(d.Table), quote(registry.KeyUUID))
	rows, err := c.QueryContext(ctx, query, entityUUID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load "+typeName, err)
	}
	list, err := s.scanAll(d, rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", typeName, entityUUID)
	}
	if err := s.loadCollections(ctx, c, d, list[0]); err != nil {
		return nil, err
	}
	return list[0], nil
}

// List returns entities of a top-level type ordered by most recent update.
func (s *EntityStore) List(ctx context.Context, c Conn, typeName string, includeDeleted bool, limit, offset int) ([]models.Synchronizable, error) {
	d, err := s.reg.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	if d.Child {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "%s is only stored inside its parent", typeName)
	}
	if limit <= 0 {
		limit = 100
	}
	where := ""
	if !includeDeleted {
		where = fmt.Sprintf(" WHERE %s = 0", quote(registry.KeyIsDeleted))
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s DESC, %s LIMIT ? OFFSET ?",
		selectColumns(d), quote(d.Table), where, quote(registry.KeyUpdatedAt), quote(registry.KeyUUID))
	rows, err := c.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list "+typeName, err)
	}
	list, err := s.scanAll(d, rows)
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if err := s.loadCollections(ctx, c, d, e); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *EntityStore) loadCollections(ctx context.Context, c Conn, d *registry.Descriptor, e models.Synchronizable) error {
	if len(d.Collections) == 0 {
		return nil
	}
	v, err := d.Struct(e)
	if err != nil {
		return err
	}
	for _, col := range d.Collections {
		child, err := s.reg.Lookup(col.ElemType)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s, %s",
			selectColumns(child), quote(child.Table), quote(col.ParentColumn), quote(positionColumn), quote(registry.KeyUUID))
		rows, err := c.QueryContext(ctx, query, e.Meta().UUID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "load "+child.Name, err)
		}
		items, err := s.scanAll(child, rows)
		if err != nil {
			return err
		}
		sv := col.Value(v)
		if len(items) == 0 {
			sv.Set(reflect.Zero(sv.Type()))
			continue
		}
		slice := reflect.MakeSlice(sv.Type(), 0, len(items))
		for _, item := range items {
			if err := s.loadCollections(ctx, c, child, item); err != nil {
				return err
			}
			slice = reflect.Append(slice, reflect.ValueOf(item))
		}
		sv.Set(slice)
	}
	return nil
}

func (s *EntityStore) scanAll(d *registry.Descriptor, rows *sql.Rows) ([]models.Synchronizable, error) {
	defer rows.Close()

	var out []models.Synchronizable
	for rows.Next() {
		var (
			id        string
			updatedAt sql.NullInt64
			isDeleted int64
		)
		holders := make([]any, len(d.Fields))
		for i, f := range d.Fields {
			holders[i] = scanHolder(f.Kind)
		}
		dest := append([]any{&id, &updatedAt, &isDeleted}, holders...)
		if err := rows.Scan(dest...); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan "+d.Name, err)
		}

		e := d.New()
		meta := e.Meta()
		meta.UUID = id
		meta.IsDeleted = isDeleted != 0
		if updatedAt.Valid && updatedAt.Int64 != 0 {
			meta.UpdatedAt = time.Unix(0, updatedAt.Int64).UTC()
		}
		v, err := d.Struct(e)
		if err != nil {
			return nil, err
		}
		for i, f := range d.Fields {
			assignScanned(f, f.Value(v), holders[i])
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate "+d.Name, err)
	}
	return out, nil
}

func scanHolder(k registry.Kind) any {
	switch k {
	case registry.KindInt, registry.KindTime, registry.KindBool:
		return new(sql.NullInt64)
	case registry.KindFloat:
		return new(sql.NullFloat64)
	default:
		return new(sql.NullString)
	}
}

// assignScanned copies a scanned column into the struct field. NULL leaves a
// pointer field nil and a value field at its zero value.
func assignScanned(f registry.Field, target reflect.Value, holder any) {
	var val reflect.Value
	switch h := holder.(type) {
	case *sql.NullString:
		if !h.Valid {
			return
		}
		val = reflect.ValueOf(h.String)
	case *sql.NullFloat64:
		if !h.Valid {
			return
		}
		val = reflect.ValueOf(h.Float64)
	case *sql.NullInt64:
		if !h.Valid {
			return
		}
		switch f.Kind {
		case registry.KindTime:
			val = reflect.ValueOf(time.Unix(0, h.Int64).UTC())
		case registry.KindBool:
			val = reflect.ValueOf(h.Int64 != 0)
		default:
			val = reflect.ValueOf(h.Int64)
		}
	}

	if f.Nullable {
		ptr := reflect.New(target.Type().Elem())
		ptr.Elem().Set(val.Convert(target.Type().Elem()))
		target.Set(ptr)
		return
	}
	target.Set(val.Convert(target.Type()))
}

// storageValue converts a struct field into the value bound to its column.
func storageValue(f registry.Field, fv reflect.Value) any {
	if f.Nullable {
		if fv.IsNil() {
			return nil
		}
		fv = fv.Elem()
	}
	switch f.Kind {
	case registry.KindString:
		return fv.String()
	case registry.KindInt:
		return fv.Int()
	case registry.KindFloat:
		return fv.Float()
	case registry.KindBool:
		return boolInt(fv.Bool())
	case registry.KindTime:
		t := fv.Interface().(time.Time)
		if t.IsZero() {
			return nil
		}
		return t.UnixNano()
	}
	return nil
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

// Upsert writes e and replaces its collections. Child rows get their parent
// reference set from e before they are written.
func (s *EntityStore) Upsert(ctx context.Context, c Conn, e models.Synchronizable) error {
	d, err := s.reg.DescriptorOf(e)
	if err != nil {
		return err
	}
	if d.Child {
		return apperrors.Newf(apperrors.ErrInvalid, "%s is only stored inside its parent", d.Name)
	}
	return s.upsert(ctx, c, d, e, -1)
}

func (s *EntityStore) upsert(ctx context.Context, c Conn, d *registry.Descriptor, e models.Synchronizable, position int) error {
	v, err := d.Struct(e)
	if err != nil {
		return err
	}
	meta := e.Meta()
	if meta.UUID == "" {
		return apperrors.Newf(apperrors.ErrInvalid, "%s has no uuid", d.Name)
	}

	cols := []string{registry.KeyUUID, registry.KeyUpdatedAt, registry.KeyIsDeleted}
	args := []any{meta.UUID, timeValue(meta.UpdatedAt), boolInt(meta.IsDeleted)}
	if position >= 0 {
		cols = append(cols, positionColumn)
		args = append(args, position)
	}
	for _, f := range d.Fields {
		cols = append(cols, f.Column)
		args = append(args, storageValue(f, f.Value(v)))
	}

	quoted := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, col := range cols {
		quoted[i] = quote(col)
		if col != registry.KeyUUID {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quote(col), quote(col)))
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quote(d.Table), strings.Join(quoted, ", "), placeholders(len(cols)),
		quote(registry.KeyUUID), strings.Join(updates, ", "))
	if _, err := c.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "upsert "+d.Name, err)
	}

	for _, col := range d.Collections {
		child, err := s.reg.Lookup(col.ElemType)
		if err != nil {
			return err
		}
		if err := s.deleteChildren(ctx, c, child, col.ParentColumn, meta.UUID); err != nil {
			return err
		}
		pf, _ := child.Field(col.ParentColumn)
		sv := col.Value(v)
		for i := 0; i < sv.Len(); i++ {
			item := sv.Index(i).Interface().(models.Synchronizable)
			iv, err := child.Struct(item)
			if err != nil {
				return err
			}
			pf.Value(iv).SetString(meta.UUID)
			if err := s.upsert(ctx, c, child, item, i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *EntityStore) deleteChildren(ctx context.Context, c Conn, child *registry.Descriptor, parentColumn, parentUUID string) error {
	// Grandchildren go first.
	for _, col := range child.Collections {
		grand, err := s.reg.Lookup(col.ElemType)
		if err != nil {
			return err
		}
		sub := fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s = ?)",
			quote(grand.Table), quote(col.ParentColumn), quote(registry.KeyUUID), quote(child.Table), quote(parentColumn))
		if _, err := c.ExecContext(ctx, sub, parentUUID); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "delete "+grand.Name, err)
		}
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(child.Table), quote(parentColumn))
	if _, err := c.ExecContext(ctx, query, parentUUID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete "+child.Name, err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
