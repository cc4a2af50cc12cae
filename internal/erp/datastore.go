package erp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
)

// QueryResult is an ordered, column-order-preserving result set.
type QueryResult struct {
	Columns []string
	Rows    []map[string]any
}

func (r *QueryResult) RowCount() int { return len(r.Rows) }
func (r *QueryResult) ColCount() int { return len(r.Columns) }

// Datastore executes validated, read-only SELECT statements against the ERP
// schema. It re-checks the statement shape itself: the SQL service is the
// primary firewall, this is the second lock on the door.
type Datastore interface {
	ExecuteSelect(ctx context.Context, query string) (*QueryResult, error)
}

var writeKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate)\b`)

// ErrNotSelect is returned for anything that is not a single SELECT.
var ErrNotSelect = fmt.Errorf("statement is not a single read-only SELECT")

type SQLDatastore struct {
	db *sqlx.DB
}

func NewSQLDatastore(db *sqlx.DB) *SQLDatastore {
	return &SQLDatastore{db: db}
}

// Open connects to the ERP database using the configured driver and DSN.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ERP database: %w", err)
	}
	return db, nil
}

func (d *SQLDatastore) ExecuteSelect(ctx context.Context, query string) (*QueryResult, error) {
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") ||
		strings.Contains(trimmed, ";") ||
		writeKeywords.MatchString(trimmed) {
		return nil, ErrNotSelect
	}

	rows, err := d.db.QueryxContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		// MapScan surfaces []byte for text columns on some drivers.
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result iteration failed: %w", err)
	}
	return result, nil
}
