package serializer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

func strPtr(s string) *string { return &s }

func sampleEstimate() *models.Estimate {
	id := uuid.New()
	validUntil := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	return &models.Estimate{
		SyncMeta: models.SyncMeta{
			UUID:      id,
			UpdatedAt: time.Date(2026, 1, 15, 9, 30, 0, 123456789, time.UTC),
		},
		Number:      "EST-0042",
		Title:       "Warehouse slab",
		ClientName:  "Harbour Logistics",
		SiteAddress: "Dock 4",
		Currency:    "EUR",
		Total:       "18250.00",
		ValidUntil:  &validUntil,
		Lines: []*models.EstimateLine{
			{
				SyncMeta:     models.SyncMeta{UUID: uuid.New(), UpdatedAt: time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)},
				EstimateUUID: id,
				Position:     1,
				Description:  "C30 concrete",
				Quantity:     42.5,
				Unit:         "m3",
				UnitPrice:    "310.00",
				MaterialUUID: strPtr(uuid.New()),
			},
			{
				SyncMeta:     models.SyncMeta{UUID: uuid.New(), UpdatedAt: time.Date(2026, 1, 15, 9, 31, 0, 0, time.UTC)},
				EstimateUUID: id,
				Position:     2,
				Description:  "Labour",
				Quantity:     16,
				Unit:         "h",
				UnitPrice:    "55.00",
			},
		},
	}
}

func TestRoundTrip_NestedLines(t *testing.T) {
	s := New(registry.Default())
	in := sampleEstimate()

	doc, err := s.Serialize(in)
	require.NoError(t, err)

	out, err := s.Deserialize("Estimate", doc)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRoundTrip_ThroughJSON(t *testing.T) {
	s := New(registry.Default())
	in := &models.DailyReport{
		SyncMeta:   models.SyncMeta{UUID: uuid.New(), UpdatedAt: time.Date(2026, 2, 2, 17, 0, 0, 0, time.UTC), IsDeleted: true},
		ReportDate: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		Site:       "North tower",
		Weather:    "rain",
		CrewCount:  14,
		HoursLost:  2.5,
		SignedOff:  true,
		SignedBy:   strPtr("foreman"),
	}

	doc, err := s.Serialize(in)
	require.NoError(t, err)
	raw, err := Canonical(doc)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	out, err := s.Deserialize("DailyReport", parsed)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNullAndAbsentNormalizeTheSame(t *testing.T) {
	s := New(registry.Default())
	id := uuid.New()
	base := Document{
		"uuid": id, "updated_at": nil, "is_deleted": false,
		"code": "CEM-1", "name": "Cement",
	}
	withNull := Document{}
	for k, v := range base {
		withNull[k] = v
	}
	withNull["supplier"] = nil
	withNull["unit"] = nil

	a, err := s.Deserialize("Material", base)
	require.NoError(t, err)
	b, err := s.Deserialize("Material", withNull)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Nil(t, b.(*models.Material).Supplier)
}

func TestSerialize_NilPointerIsNull(t *testing.T) {
	s := New(registry.Default())
	doc, err := s.Serialize(&models.Material{SyncMeta: models.SyncMeta{UUID: uuid.New()}, Code: "X", Name: "Y"})
	require.NoError(t, err)
	v, present := doc["supplier"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Equal(t, []any{"code", "name"}, doc[registry.KeyRequired])
}

func TestDeserialize_MissingRequiredField(t *testing.T) {
	s := New(registry.Default())
	_, err := s.Deserialize("Material", Document{"uuid": uuid.New(), "code": "CEM-1"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSchemaMismatch))
}

func TestDeserialize_UnknownRequiredField(t *testing.T) {
	s := New(registry.Default())
	doc := Document{
		"uuid": uuid.New(), "code": "CEM-1", "name": "Cement",
		"carbon_rating": "A", "_required": []any{"code", "name", "carbon_rating"},
	}
	_, err := s.Deserialize("Material", doc)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSchemaMismatch))

	// the same unknown field is tolerated when the sender does not require it
	delete(doc, "_required")
	_, err = s.Deserialize("Material", doc)
	assert.NoError(t, err)
}

func TestDeserialize_Strict(t *testing.T) {
	r := registry.New()
	_, err := r.Register("Material", "materials", func() models.Synchronizable { return &models.Material{} }, registry.WithStrict())
	require.NoError(t, err)
	require.NoError(t, r.Freeze())

	_, err = New(r).Deserialize("Material", Document{"uuid": uuid.New(), "code": "a", "name": "b", "colour": "red"})
	assert.True(t, apperrors.Is(err, apperrors.ErrSchemaMismatch))
}

func TestDeserialize_TypeErrors(t *testing.T) {
	s := New(registry.Default())
	id := uuid.New()
	tests := []struct {
		name string
		doc  Document
	}{
		{"bad uuid", Document{"uuid": "not-a-uuid", "code": "a", "name": "b"}},
		{"string as int", Document{"uuid": id, "report_date": "2026-01-01T00:00:00Z", "site": "s", "crew_count": "ten"}},
		{"fractional int", Document{"uuid": id, "report_date": "2026-01-01T00:00:00Z", "site": "s", "crew_count": 1.5}},
		{"bad time", Document{"uuid": id, "report_date": "yesterday", "site": "s"}},
		{"lines not array", Document{"uuid": id, "number": "1", "title": "t", "lines": "none"}},
	}
	types := []string{"Material", "DailyReport", "DailyReport", "DailyReport", "Estimate"}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize(types[i], tt.doc)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrSerialization), "got %v", err)
		})
	}
}

func TestDeserialize_JSONNumbers(t *testing.T) {
	s := New(registry.Default())
	raw := []byte(`{"uuid":"` + uuid.New() + `","employee_code":"E7","week_start":"2026-01-05T00:00:00Z",
		"entries":[{"uuid":"` + uuid.New() + `","timesheet_uuid":"x","work_date":"2026-01-05T00:00:00Z","hours":7.5}]}`)
	doc, err := Parse(raw)
	require.NoError(t, err)

	e, err := s.Deserialize("Timesheet", doc)
	require.NoError(t, err)
	ts := e.(*models.Timesheet)
	require.Len(t, ts.Entries, 1)
	assert.Equal(t, 7.5, ts.Entries[0].Hours)
}

func TestSameContent(t *testing.T) {
	s := New(registry.Default())
	e := sampleEstimate()
	a, err := s.Serialize(e)
	require.NoError(t, err)

	e.UpdatedAt = e.UpdatedAt.Add(time.Hour)
	b, err := s.Serialize(e)
	require.NoError(t, err)
	assert.True(t, SameContent(a, b), "updated_at alone is not a content change")

	raw, _ := json.Marshal(b)
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, SameContent(a, parsed), "JSON numbers compare equal to native ones")

	e.Title = "Warehouse slab, revised"
	c, err := s.Serialize(e)
	require.NoError(t, err)
	assert.False(t, SameContent(a, c))
}

func TestSerialize_UnregisteredType(t *testing.T) {
	_, err := New(registry.Default()).Serialize(&struct{ models.SyncMeta }{})
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownEntityType))
}
