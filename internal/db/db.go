// Package db opens the workspace SQLite database.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// The database lives in a hidden directory inside the workspace, so a
// workspace stays self-contained and movable.
const (
	workspaceDir = ".plotline"
	fileName     = "plotline.db"
)

// Path returns where the database file lives for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, fileName)
}

// EnsureWorkspace creates the hidden workspace directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure workspace: %w", err)
	}
	return dir, nil
}

// Open ensures the workspace directory exists and opens its database.
// Foreign keys are enforced and writers wait on the busy timeout instead
// of failing immediately.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes writes anyway; one connection avoids lock churn.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
