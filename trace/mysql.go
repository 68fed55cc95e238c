package trace

import "time"

// MySQLResponseKind is the discriminated outcome of one COM_QUERY command.
type MySQLResponseKind int

const (
	// MySQLResponseUnknown marks a trace emitted from teardown before any
	// response arrived; none of the kind-specific fields are populated.
	MySQLResponseUnknown MySQLResponseKind = iota
	MySQLResponseOK
	MySQLResponseResultSet
	MySQLResponseErr
)

// MySQLTrace is a complete MySQL COM_QUERY round-trip.
type MySQLTrace struct {
	SpanID       SpanID
	TraceID      TraceID
	ParentSpanID *SpanID

	Query string

	ResponseKind MySQLResponseKind

	// MySQLResponseOK fields.
	AffectedRows uint64
	LastInsertID uint64
	Warnings     uint16

	// MySQLResponseResultSet fields.
	ColumnCount uint64
	RowCount    uint64

	// MySQLResponseErr fields.
	ErrorCode    uint16
	SQLState     string
	ErrorMessage string

	Timestamp time.Time
	Duration  time.Duration

	DestAddr string
	DBName   string
}
