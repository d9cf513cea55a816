package mcpserver

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	diagDefaultRows = 100
	diagMaxRows     = 1000
	diagMaxBytes    = 64 << 10
	diagTimeout     = 30 * time.Second
)

// handleRunSQL runs a read-only query against one of the configured
// endpoints. Read-only is enforced twice: a statement gate up front,
// and a read-only transaction where the driver supports one.
func (s *Server) handleRunSQL(ctx context.Context, _ *mcp.CallToolRequest, input runSQLInput) (*mcp.CallToolResult, any, error) {
	if len(s.deps.Databases) == 0 {
		return nil, nil, fmt.Errorf("no diagnostic databases configured")
	}

	name := strings.TrimSpace(input.Database)
	if name == "" {
		return nil, nil, fmt.Errorf("database is required")
	}
	rawURL, ok := s.deps.Databases[name]
	if !ok {
		names := make([]string, 0, len(s.deps.Databases))
		for n := range s.deps.Databases {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, nil, fmt.Errorf("unknown database %q, available: %s", name, strings.Join(names, ", "))
	}

	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, nil, fmt.Errorf("query is required")
	}
	if err := checkReadOnly(query); err != nil {
		return nil, nil, err
	}

	maxRows := input.MaxRows
	if maxRows <= 0 {
		maxRows = diagDefaultRows
	}
	if maxRows > diagMaxRows {
		maxRows = diagMaxRows
	}

	qctx, cancel := context.WithTimeout(ctx, diagTimeout)
	defer cancel()

	conn, driverName, err := openDiagnostic(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", name, err)
	}
	defer conn.Close()

	var rows *sql.Rows
	if driverName == "sqlite" {
		// The sqlite driver has no read-only transactions; the
		// statement gate above is the guard.
		rows, err = conn.QueryContext(qctx, query)
	} else {
		tx, txErr := conn.BeginTx(qctx, &sql.TxOptions{ReadOnly: true})
		if txErr != nil {
			return nil, nil, fmt.Errorf("begin read-only transaction: %w", txErr)
		}
		defer tx.Rollback()
		rows, err = tx.QueryContext(qctx, query)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	text, err := formatRows(rows, maxRows, diagMaxBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("format results: %w", err)
	}
	return textToolResult(text), nil, nil
}

// checkReadOnly rejects anything that is not a plain read statement.
// Unknown statement shapes are rejected rather than guessed at.
func checkReadOnly(query string) error {
	upper := strings.ToUpper(strings.TrimSpace(query))

	allowed := false
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "PRAGMA"} {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("only read statements are allowed (SELECT, SHOW, DESCRIBE, EXPLAIN, PRAGMA)")
	}

	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}
	if strings.Contains(query, "--") || strings.Contains(query, "/*") {
		return fmt.Errorf("comments are not allowed in diagnostic queries")
	}
	return nil
}

// openDiagnostic picks the driver by URL scheme, mirroring the store
// layer: postgres:// opens pgx, mysql:// opens go-sql-driver (the DSN
// after the scheme uses its user:pass@tcp(host:port)/db form), and
// everything else is a sqlite path.
func openDiagnostic(rawURL string) (*sql.DB, string, error) {
	switch {
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		db, err := sql.Open("pgx", rawURL)
		return db, "pgx", err
	case strings.HasPrefix(rawURL, "mysql://"):
		db, err := sql.Open("mysql", strings.TrimPrefix(rawURL, "mysql://"))
		return db, "mysql", err
	default:
		db, err := sql.Open("sqlite", strings.TrimPrefix(rawURL, "sqlite://"))
		return db, "sqlite", err
	}
}

// formatRows renders a result set as tab-separated text with row and
// byte caps, the shape MCP clients display as-is.
func formatRows(rows *sql.Rows, maxRows, maxBytes int) (string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	header := strings.Join(columns, "\t")
	sb.WriteString(header)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", len(header)))
	sb.WriteString("\n")

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if count >= maxRows {
			fmt.Fprintf(&sb, "\n... truncated at %d rows", maxRows)
			break
		}
		if sb.Len() >= maxBytes {
			fmt.Fprintf(&sb, "\n... truncated at %d bytes", maxBytes)
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return sb.String(), fmt.Errorf("scan row %d: %w", count, err)
		}
		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			switch val := v.(type) {
			case nil:
				sb.WriteString("NULL")
			case []byte:
				sb.Write(val)
			default:
				fmt.Fprintf(&sb, "%v", val)
			}
		}
		sb.WriteString("\n")
		count++
	}

	if count == 0 {
		sb.WriteString("(0 rows)\n")
	} else {
		fmt.Fprintf(&sb, "\n(%d rows)\n", count)
	}
	return sb.String(), rows.Err()
}
