// pkg/data/schema.go
package data

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed sql/schema/*.sql
var schemaFS embed.FS

// TxStarter is satisfied by *pgx.Conn and *pgxpool.Pool
type TxStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type SchemaManager struct {
	db TxStarter
}

func NewSchemaManager(db TxStarter) *SchemaManager {
	return &SchemaManager{
		db: db,
	}
}

// SchemaFiles returns the embedded schema file names in apply order
func SchemaFiles() ([]string, error) {
	entries, err := fs.ReadDir(schemaFS, "sql/schema")
	if err != nil {
		return nil, fmt.Errorf("reading schema directory: %w", err)
	}

	fileNames := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			fileNames = append(fileNames, e.Name())
		}
	}
	sort.Strings(fileNames)
	return fileNames, nil
}

func (sm *SchemaManager) InitializeSchema(ctx context.Context) error {
	fileNames, err := SchemaFiles()
	if err != nil {
		return err
	}

	// Execute each schema file in transaction
	tx, err := sm.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, fileName := range fileNames {
		content, err := schemaFS.ReadFile("sql/schema/" + fileName)
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", fileName, err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("executing schema file %s: %w", fileName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	return nil
}
