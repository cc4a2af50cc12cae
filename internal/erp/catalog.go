package erp

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// TablePrefix is the naming convention for ERP tables: the doctype
// "Sales Invoice" lives in the table `tabSales Invoice`.
const TablePrefix = "tab"

// Catalog answers which doctypes exist and which fields they carry. It is
// used only for validating synthesized SQL, never for executing it.
type Catalog interface {
	TableExists(ctx context.Context, doctype string) (bool, error)
	Fields(ctx context.Context, doctype string) (map[string]struct{}, error)
}

// StripPrefix maps a SQL table reference back to its doctype name.
func StripPrefix(table string) string {
	return strings.TrimPrefix(strings.Trim(table, "`"), TablePrefix)
}

// DBCatalog reads doctype metadata from the ERP schema itself
// (tabDocType / tabDocField).
type DBCatalog struct {
	db *sqlx.DB
}

func NewDBCatalog(db *sqlx.DB) *DBCatalog {
	return &DBCatalog{db: db}
}

func (c *DBCatalog) TableExists(ctx context.Context, doctype string) (bool, error) {
	var count int
	err := c.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM `tabDocType` WHERE name = ?", doctype)
	if err != nil {
		return false, fmt.Errorf("failed to look up doctype %q: %w", doctype, err)
	}
	return count > 0, nil
}

func (c *DBCatalog) Fields(ctx context.Context, doctype string) (map[string]struct{}, error) {
	var names []string
	err := c.db.SelectContext(ctx, &names, "SELECT fieldname FROM `tabDocField` WHERE parent = ? AND fieldname != ''", doctype)
	if err != nil {
		return nil, fmt.Errorf("failed to load fields for doctype %q: %w", doctype, err)
	}
	fields := make(map[string]struct{}, len(names))
	for _, n := range names {
		fields[n] = struct{}{}
	}
	return fields, nil
}

// StaticCatalog serves a fixed doctype→fields map. Used in tests and as a
// fallback when the metadata tables are unreachable.
type StaticCatalog struct {
	Tables map[string]map[string]struct{}
}

func NewStaticCatalog(tables map[string][]string) *StaticCatalog {
	c := &StaticCatalog{Tables: make(map[string]map[string]struct{}, len(tables))}
	for doctype, fields := range tables {
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			set[f] = struct{}{}
		}
		c.Tables[doctype] = set
	}
	return c
}

func (c *StaticCatalog) TableExists(_ context.Context, doctype string) (bool, error) {
	_, ok := c.Tables[doctype]
	return ok, nil
}

func (c *StaticCatalog) Fields(_ context.Context, doctype string) (map[string]struct{}, error) {
	fields, ok := c.Tables[doctype]
	if !ok {
		return nil, fmt.Errorf("unknown doctype %q", doctype)
	}
	return fields, nil
}
