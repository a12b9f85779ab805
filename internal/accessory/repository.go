package accessory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the persistence operations for the accessory cache.
type Repository interface {
	// GetByIdentifier retrieves an accessory by its bus identifier.
	// Returns ErrAccessoryNotFound if it does not exist.
	GetByIdentifier(ctx context.Context, identifier string) (*Accessory, error)

	// List retrieves all accessories ordered by identifier.
	List(ctx context.Context) ([]Accessory, error)

	// Upsert inserts an accessory or refreshes name, kind and config of an
	// existing one. Stored characteristics and created_at are preserved.
	Upsert(ctx context.Context, a *Accessory) error

	// Delete removes accessories by UUID and returns how many were removed.
	Delete(ctx context.Context, uuids []string) (int, error)

	// UpdateCharacteristics merges values into the stored characteristics.
	// Returns ErrAccessoryNotFound if the identifier does not exist.
	UpdateCharacteristics(ctx context.Context, identifier string, values map[string]any) error
}

// SQLiteRepository implements Repository on the accessories table.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
	SELECT uuid, identifier, name, kind, config, characteristics, created_at, updated_at
	FROM accessories`

// GetByIdentifier retrieves an accessory by its bus identifier.
func (r *SQLiteRepository) GetByIdentifier(ctx context.Context, identifier string) (*Accessory, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE identifier = ?`, identifier)
	a, err := scanAccessory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccessoryNotFound
		}
		return nil, fmt.Errorf("querying accessory %s: %w", identifier, err)
	}
	return a, nil
}

// List retrieves all accessories ordered by identifier.
func (r *SQLiteRepository) List(ctx context.Context) ([]Accessory, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("querying accessories: %w", err)
	}
	defer rows.Close()

	var accessories []Accessory
	for rows.Next() {
		a, err := scanAccessory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning accessory: %w", err)
		}
		accessories = append(accessories, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accessories: %w", err)
	}

	return accessories, nil
}

// Upsert inserts or refreshes an accessory keyed by UUID.
func (r *SQLiteRepository) Upsert(ctx context.Context, a *Accessory) error {
	configJSON, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	chars := a.Characteristics
	if chars == nil {
		chars = map[string]any{}
	}
	charsJSON, err := json.Marshal(chars)
	if err != nil {
		return fmt.Errorf("marshalling characteristics: %w", err)
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := `
		INSERT INTO accessories (uuid, identifier, name, kind, config, characteristics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			config = excluded.config,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		a.UUID,
		a.Identifier,
		a.Name,
		a.Kind,
		string(configJSON),
		string(charsJSON),
		a.CreatedAt.Format(time.RFC3339),
		a.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting accessory %s: %w", a.Identifier, err)
	}
	return nil
}

// Delete removes accessories by UUID inside one transaction.
func (r *SQLiteRepository) Delete(ctx context.Context, uuids []string) (int, error) {
	if len(uuids) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	removed := 0
	for _, id := range uuids {
		result, err := tx.ExecContext(ctx, `DELETE FROM accessories WHERE uuid = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("deleting accessory %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("checking rows affected: %w", err)
		}
		removed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}
	return removed, nil
}

// UpdateCharacteristics merges values into the stored characteristics.
// json_patch keeps keys that are not present in values.
func (r *SQLiteRepository) UpdateCharacteristics(ctx context.Context, identifier string, values map[string]any) error {
	patch, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshalling characteristics: %w", err)
	}

	query := `
		UPDATE accessories
		SET characteristics = json_patch(COALESCE(characteristics, '{}'), ?),
		    updated_at = ?
		WHERE identifier = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(patch),
		time.Now().UTC().Format(time.RFC3339),
		identifier,
	)
	if err != nil {
		return fmt.Errorf("updating characteristics of %s: %w", identifier, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAccessoryNotFound
	}
	return nil
}

// rowScanner is implemented by both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccessory(row rowScanner) (*Accessory, error) {
	var (
		a                    Accessory
		configJSON, charJSON string
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.UUID, &a.Identifier, &a.Name, &a.Kind, &configJSON, &charJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &a.Config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := json.Unmarshal([]byte(charJSON), &a.Characteristics); err != nil {
		return nil, fmt.Errorf("decoding characteristics: %w", err)
	}
	if a.Characteristics == nil {
		a.Characteristics = map[string]any{}
	}

	var err error
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}
