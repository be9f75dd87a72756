package engine

import "fmt"

// DBCmd identifies a registered query. Each store reserves its own range
// of command values so query maps never collide.
type DBCmd int

// Query holds the per-dialect text of a single command
type Query struct {
	Sqlite   string
	Postgres string
}

// QueryMap resolves commands to dialect-specific SQL
type QueryMap struct {
	queries map[DBCmd]Query
}

// NewQueryMap makes an empty query map
func NewQueryMap() *QueryMap {
	return &QueryMap{queries: map[DBCmd]Query{}}
}

// Add registers a command with per-dialect query text, chainable
func (q *QueryMap) Add(cmd DBCmd, query Query) *QueryMap {
	q.queries[cmd] = query
	return q
}

// AddSame registers a command whose text is identical across dialects
func (q *QueryMap) AddSame(cmd DBCmd, query string) *QueryMap {
	return q.Add(cmd, Query{Sqlite: query, Postgres: query})
}

// Pick returns the query text for the command under the given db type
func (q *QueryMap) Pick(dbType Type, cmd DBCmd) (string, error) {
	query, ok := q.queries[cmd]
	if !ok {
		return "", fmt.Errorf("command %d is not registered", cmd)
	}
	switch dbType {
	case Sqlite:
		return query.Sqlite, nil
	case Postgres:
		return query.Postgres, nil
	}
	return "", fmt.Errorf("unsupported db type %q", dbType)
}
