package registry

import "github.com/fieldledger/fieldledger/backend/internal/models"

// RegisterBusinessEntities registers the construction-management entities and
// freezes the registry.
func RegisterBusinessEntities(r *Registry) error {
	entities := []struct {
		name  string
		table string
		newFn func() models.Synchronizable
	}{
		{"EstimateLine", "estimate_lines", func() models.Synchronizable { return &models.EstimateLine{} }},
		{"Estimate", "estimates", func() models.Synchronizable { return &models.Estimate{} }},
		{"DailyReport", "daily_reports", func() models.Synchronizable { return &models.DailyReport{} }},
		{"TimesheetEntry", "timesheet_entries", func() models.Synchronizable { return &models.TimesheetEntry{} }},
		{"Timesheet", "timesheets", func() models.Synchronizable { return &models.Timesheet{} }},
		{"Material", "materials", func() models.Synchronizable { return &models.Material{} }},
	}
	for _, e := range entities {
		if _, err := r.Register(e.name, e.table, e.newFn); err != nil {
			return err
		}
	}
	return r.Freeze()
}

// Default returns a frozen registry with the business entities.
func Default() *Registry {
	r := New()
	if err := RegisterBusinessEntities(r); err != nil {
		panic(err)
	}
	return r
}
