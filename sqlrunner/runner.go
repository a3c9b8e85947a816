// Package sqlrunner executes parameterized SQL on behalf of the cache.
//
// The cache treats query execution as a pluggable collaborator; Runner is
// the database/sql implementation of it. Execute captures rows into a
// ResultSet that serializes cleanly, and ExecWrite couples mutations to
// write notifications so cached reads over the written tables converge.
package sqlrunner

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/placedex/querycache/cache"
	"github.com/placedex/querycache/logger"
	"github.com/placedex/querycache/notify"
)

// ResultSet is the serializable shape of a captured query result. Column
// order follows the query; row values are the driver's natural Go types.
type ResultSet struct {
	Columns []string `msgpack:"columns"`
	Rows    [][]any  `msgpack:"rows"`
}

// Runner executes read queries and writes against a database/sql handle.
// All methods are safe for concurrent use.
type Runner struct {
	db  *sql.DB
	bus notify.Bus
	log logger.Logger
}

var _ cache.Executor = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithBus attaches a write-notification bus. ExecWrite publishes the
// written source on it after each successful write.
func WithBus(bus notify.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logger.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// New returns a Runner over db. The caller owns db and closes it.
func New(db *sql.DB, opts ...Option) *Runner {
	r := &Runner{
		db:  db,
		log: logger.NewConsoleLogger(logger.LevelNone),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(map[string]interface{}{"component": "sqlrunner"})
	return r
}

// Execute runs queryTemplate as a read query with params bound in order
// and captures every row. It implements cache.Executor, so its result is
// what the cache serializes and stores.
func (r *Runner) Execute(ctx context.Context, queryTemplate string, params []cache.Param) (any, error) {
	args, err := bindArgs(queryTemplate, params)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, queryTemplate, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: columns}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(columns))
		for i, v := range values {
			// Drivers may reuse byte buffers between rows.
			if b, ok := v.([]byte); ok {
				row[i] = append([]byte(nil), b...)
			} else {
				row[i] = v
			}
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// ExecWrite runs a mutation and, when it succeeds, publishes source on the
// bus so subscribed caches drop their entries for it. Exactly one
// notification goes out per call, whether the statement touched zero rows
// or many. With no bus, or an empty source, the write runs unannounced.
// The returned count is the affected row count even when publishing fails;
// the error then reports the undelivered notification.
func (r *Runner) ExecWrite(ctx context.Context, source, stmt string, params []cache.Param) (int64, error) {
	args, err := bindArgs(stmt, params)
	if err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if r.bus != nil && source != "" {
		if err := r.bus.Publish(ctx, source); err != nil {
			return affected, fmt.Errorf("sqlrunner: write committed but notification for %s failed: %w", source, err)
		}
		r.log.Trace("published write notification for %s, %d rows affected", source, affected)
	}
	return affected, nil
}

// bindArgs checks placeholder arity and converts params to driver values.
func bindArgs(query string, params []cache.Param) ([]any, error) {
	placeholders := countPlaceholders(query)
	if placeholders != len(params) {
		return nil, &cache.ParameterArityError{
			Query:        query,
			Placeholders: placeholders,
			Params:       len(params),
		}
	}
	args := make([]any, len(params))
	for i, p := range params {
		v, err := p.Bind(i)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}
