package models

import "time"

// Business entities synchronized between nodes. The sync engine only sees them
// through the registry descriptors built from their `sync` struct tags:
//
//	sync:"name[,required]"                          scalar field
//	sync:"name,collection=Type,parent=column"       nested line items

// Estimate is a priced quote with its line items.
type Estimate struct {
	SyncMeta
	Number      string          `sync:"number,required"`
	Title       string          `sync:"title,required"`
	ClientName  string          `sync:"client_name"`
	SiteAddress string          `sync:"site_address"`
	Currency    string          `sync:"currency"`
	Total       string          `sync:"total"`
	ValidUntil  *time.Time      `sync:"valid_until"`
	Notes       *string         `sync:"notes"`
	Lines       []*EstimateLine `sync:"lines,collection=EstimateLine,parent=estimate_uuid"`
}

// EstimateLine is one priced row of an Estimate.
type EstimateLine struct {
	SyncMeta
	EstimateUUID string  `sync:"estimate_uuid,required"`
	Position     int64   `sync:"position,required"`
	Description  string  `sync:"description,required"`
	Quantity     float64 `sync:"quantity"`
	Unit         string  `sync:"unit"`
	UnitPrice    string  `sync:"unit_price"`
	MaterialUUID *string `sync:"material_uuid"`
}

// DailyReport is the site diary for one day.
type DailyReport struct {
	SyncMeta
	ReportDate time.Time `sync:"report_date,required"`
	Site       string    `sync:"site,required"`
	Weather    string    `sync:"weather"`
	Summary    string    `sync:"summary"`
	CrewCount  int64     `sync:"crew_count"`
	HoursLost  float64   `sync:"hours_lost"`
	SignedOff  bool      `sync:"signed_off"`
	SignedBy   *string   `sync:"signed_by"`
}

// Timesheet is one employee's week.
type Timesheet struct {
	SyncMeta
	EmployeeCode string            `sync:"employee_code,required"`
	WeekStart    time.Time         `sync:"week_start,required"`
	Status       string            `sync:"status"`
	Approved     bool              `sync:"approved"`
	Entries      []*TimesheetEntry `sync:"entries,collection=TimesheetEntry,parent=timesheet_uuid"`
}

// TimesheetEntry is the hours booked against one cost code on one day.
type TimesheetEntry struct {
	SyncMeta
	TimesheetUUID string    `sync:"timesheet_uuid,required"`
	WorkDate      time.Time `sync:"work_date,required"`
	Hours         float64   `sync:"hours,required"`
	CostCode      string    `sync:"cost_code"`
	Note          *string   `sync:"note"`
}

// Material is shared reference data used by estimate lines.
type Material struct {
	SyncMeta
	Code      string  `sync:"code,required"`
	Name      string  `sync:"name,required"`
	Unit      string  `sync:"unit"`
	UnitPrice string  `sync:"unit_price"`
	Supplier  *string `sync:"supplier"`
}
