package sink

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"yqhp/sim-engine/pkg/types"
)

const stagedTable = "_staged"

var typeMapStringAny = reflect.TypeOf(map[string]any(nil))

var stageDecMode, _ = cbor.DecOptions{
	DefaultMapType: typeMapStringAny,
	IntDec:         cbor.IntDecConvertSigned,
}.DecMode()

// SQLiteStore persists tables in a SQLite database. Every result table
// becomes a SQL table with untyped columns; staged transfers are kept as
// CBOR blobs until committed.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string, poolSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite sink: path is required")
	}
	if poolSize <= 0 {
		poolSize = 2
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: open %s: %w", path, err)
	}
	return &SQLiteStore{pool: pool, path: path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS `+stagedTable+` (
		seq     INTEGER PRIMARY KEY AUTOINCREMENT,
		tx      TEXT NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS _staged_tx ON `+stagedTable+` (tx);`, nil)
}

func (s *SQLiteStore) take() (*sqlite.Conn, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: take: %w", err)
	}
	return conn, nil
}

func (s *SQLiteStore) Append(t *types.Table) (err error) {
	conn, err := s.take()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite sink: begin: %w", err)
	}
	defer endFn(&err)
	return appendRows(conn, t)
}

func appendRows(conn *sqlite.Conn, t *types.Table) error {
	if isInternal(t.Name) {
		return fmt.Errorf("sqlite sink: table name %q is reserved", t.Name)
	}
	if err := ensureColumns(conn, t.Name, t.Columns); err != nil {
		return err
	}
	if len(t.Rows) == 0 || len(t.Columns) == 0 {
		return nil
	}

	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c)
		marks[i] = "?"
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(t.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))

	for _, row := range t.Rows {
		args := make([]any, len(t.Columns))
		for i := range args {
			if i < len(row) {
				args[i] = bindValue(row[i])
			}
		}
		if err := sqlitex.Execute(conn, insert, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("sqlite sink: insert into %s: %w", t.Name, err)
		}
	}
	return nil
}

// ensureColumns creates the table or adds the columns it is missing.
func ensureColumns(conn *sqlite.Conn, table string, columns []string) error {
	existing, err := tableColumns(conn, table)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		defs := make([]string, 0, len(columns))
		for _, c := range columns {
			defs = append(defs, quote(c))
		}
		if len(defs) == 0 {
			defs = append(defs, quote(NameColumn))
		}
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quote(table), strings.Join(defs, ", "))
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			return fmt.Errorf("sqlite sink: create %s: %w", table, err)
		}
		return nil
	}

	have := nameSet(existing)
	for _, c := range columns {
		if _, ok := have[c]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(table), quote(c))
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			return fmt.Errorf("sqlite sink: add column %s.%s: %w", table, c, err)
		}
	}
	return nil
}

func tableColumns(conn *sqlite.Conn, table string) ([]string, error) {
	var cols []string
	err := sqlitex.Execute(conn, "SELECT name FROM pragma_table_info(?) ORDER BY cid", &sqlitex.ExecOptions{
		Args: []any{table},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cols = append(cols, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: columns of %s: %w", table, err)
	}
	return cols, nil
}

func (s *SQLiteStore) Stage(tx string, t *types.Table) error {
	payload, err := cbor.Marshal(t)
	if err != nil {
		return fmt.Errorf("sqlite sink: encode staged %s: %w", t.Name, err)
	}
	conn, err := s.take()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO "+stagedTable+" (tx, payload) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{tx, payload},
	})
	if err != nil {
		return fmt.Errorf("sqlite sink: stage %s: %w", t.Name, err)
	}
	return nil
}

func (s *SQLiteStore) Commit(tx string) (err error) {
	conn, err := s.take()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite sink: begin: %w", err)
	}
	defer endFn(&err)

	var staged []*types.Table
	err = sqlitex.Execute(conn, "SELECT payload FROM "+stagedTable+" WHERE tx = ? ORDER BY seq", &sqlitex.ExecOptions{
		Args: []any{tx},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			buf := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, buf)
			var t types.Table
			if err := stageDecMode.Unmarshal(buf, &t); err != nil {
				return fmt.Errorf("decode staged rows: %w", err)
			}
			staged = append(staged, &t)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("sqlite sink: commit %s: %w", tx, err)
	}
	for _, t := range staged {
		if err := appendRows(conn, t); err != nil {
			return err
		}
	}
	return deleteStaged(conn, tx)
}

func (s *SQLiteStore) Discard(tx string) error {
	conn, err := s.take()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return deleteStaged(conn, tx)
}

func deleteStaged(conn *sqlite.Conn, tx string) error {
	err := sqlitex.Execute(conn, "DELETE FROM "+stagedTable+" WHERE tx = ?", &sqlitex.ExecOptions{
		Args: []any{tx},
	})
	if err != nil {
		return fmt.Errorf("sqlite sink: discard %s: %w", tx, err)
	}
	return nil
}

func (s *SQLiteStore) Clean(names []string, wipeAll bool) (err error) {
	conn, err := s.take()
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite sink: begin: %w", err)
	}
	defer endFn(&err)

	tables, err := listTables(conn)
	if err != nil {
		return err
	}
	if wipeAll {
		for _, t := range tables {
			if err := sqlitex.ExecuteTransient(conn, "DROP TABLE "+quote(t), nil); err != nil {
				return fmt.Errorf("sqlite sink: drop %s: %w", t, err)
			}
		}
		return sqlitex.ExecuteTransient(conn, "DELETE FROM "+stagedTable, nil)
	}
	if len(names) == 0 {
		return nil
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	for _, t := range tables {
		cols, err := tableColumns(conn, t)
		if err != nil {
			return err
		}
		if _, ok := nameSet(cols)[NameColumn]; !ok {
			continue
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", quote(t), quote(NameColumn), marks)
		if err := sqlitex.ExecuteTransient(conn, stmt, &sqlitex.ExecOptions{Args: args}); err != nil {
			return fmt.Errorf("sqlite sink: clean %s: %w", t, err)
		}
	}
	return nil
}

func listTables(conn *sqlite.Conn) ([]string, error) {
	var out []string
	err := sqlitex.Execute(conn, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if name := stmt.ColumnText(0); !isInternal(name) {
				out = append(out, name)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: list tables: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Tables() ([]string, error) {
	conn, err := s.take()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return listTables(conn)
}

func (s *SQLiteStore) Read(name string) (*types.Table, error) {
	conn, err := s.take()
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	cols, err := tableColumns(conn, name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}
	t := types.NewTable(name, cols...)
	err = sqlitex.ExecuteTransient(conn, "SELECT * FROM "+quote(name)+" ORDER BY rowid", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row := make([]any, stmt.ColumnCount())
			for i := range row {
				row[i] = columnValue(stmt, i)
			}
			t.Rows = append(t.Rows, row)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: read %s: %w", name, err)
	}
	return t, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite sink: close %s: %w", s.path, err)
	}
	return nil
}

func columnValue(stmt *sqlite.Stmt, i int) any {
	switch stmt.ColumnType(i) {
	case sqlite.TypeInteger:
		return stmt.ColumnInt64(i)
	case sqlite.TypeFloat:
		return stmt.ColumnFloat(i)
	case sqlite.TypeText:
		return stmt.ColumnText(i)
	case sqlite.TypeBlob:
		buf := make([]byte, stmt.ColumnLen(i))
		stmt.ColumnBytes(i, buf)
		return buf
	default:
		return nil
	}
}

// bindValue narrows a cell to a type SQLite can bind. Booleans are stored
// as 0/1 and read back as integers.
func bindValue(v any) any {
	switch x := v.(type) {
	case nil, string, []byte, int64, float64:
		return x
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return x.Seconds()
	default:
		return fmt.Sprint(x)
	}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func isInternal(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, "sqlite_")
}
