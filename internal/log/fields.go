package log

// Canonical field names for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldEvent     = "event"

	// Run fields
	FieldRunID    = "run_id"
	FieldRecordID = "record_id"
	FieldKind     = "kind"
	FieldStage    = "stage"
	FieldStatus   = "status"
	FieldProgress = "progress"
	FieldCode     = "error_code"

	// Source fields
	FieldLocator = "locator"
	FieldFormat  = "format"
	FieldBytes   = "bytes"
)
