package mocks

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var (
	_ driver.Row  = Row{}
	_ driver.Rows = (*Rows)(nil)
)

// errScanStruct is returned by ScanStruct, which the fakes do not support.
var errScanStruct = errors.New("mocks: ScanStruct is not supported")

// scan copies values into the pointers of dest.
func scan(values, dest []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("mocks: scanning %d values into %d destinations", len(values), len(dest))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(values[i]))
	}
	return nil
}

// Row is a driver.Row holding one fixed set of column values, or Err.
type Row struct {
	Values []any
	Error  error
}

func (r Row) Scan(dest ...any) error {
	if r.Error != nil {
		return r.Error
	}
	return scan(r.Values, dest)
}

func (r Row) Err() error { return r.Error }

func (r Row) ScanStruct(any) error { return errScanStruct }

// Rows is a driver.Rows over fixed values. Error is reported by Err once
// the values are exhausted.
type Rows struct {
	Values [][]any
	Error  error
	Closed bool

	pos int
}

func (r *Rows) Next() bool {
	if r.pos >= len(r.Values) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error { return scan(r.Values[r.pos-1], dest) }

func (r *Rows) ScanStruct(any) error { return errScanStruct }

func (r *Rows) ColumnTypes() []driver.ColumnType { return nil }

func (r *Rows) Totals(...any) error { return nil }

func (r *Rows) Columns() []string { return nil }

func (r *Rows) Close() error {
	r.Closed = true
	return nil
}

func (r *Rows) Err() error { return r.Error }
