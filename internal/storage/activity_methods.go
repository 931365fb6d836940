package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// SaveActivity archives a log entry. Saving the same entry twice is a no-op.
func (s *PostgresStore) SaveActivity(ctx context.Context, entry models.LogEntry) error {
	if err := checkActivity(entry); err != nil {
		return err
	}

	query := `
        INSERT INTO activity_log (
            id, seq, created_at, message, severity,
            remote_handle, annotation, origin_address, is_self
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO NOTHING`

	_, err := s.getDB().ExecContext(ctx, query,
		entry.ID, int64(entry.Seq), entry.Timestamp, entry.Message, entry.Severity,
		entry.RemoteHandle, entry.Annotation, entry.OriginAddress, entry.IsSelfOriginated,
	)
	if err != nil {
		return fmt.Errorf("save activity: %w", err)
	}
	return nil
}

// SaveActivityBatch archives entries in one transaction. Nothing is written
// when any entry fails.
func (s *PostgresStore) SaveActivityBatch(ctx context.Context, entries []models.LogEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	for _, entry := range entries {
		if err := checkActivity(entry); err != nil {
			return err
		}
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin activity batch: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, entry := range entries {
		if err = tx.SaveActivity(ctx, entry); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit activity batch: %w", err)
	}
	return nil
}

func checkActivity(entry models.LogEntry) error {
	if entry.ID == uuid.Nil {
		return fmt.Errorf("%w: log entry %d has no id", ErrInvalidData, entry.Seq)
	}
	if entry.Message == "" {
		return fmt.Errorf("%w: log entry %s has no message", ErrInvalidData, entry.ID)
	}
	return nil
}

// ListActivity lists archived entries newest first
func (s *PostgresStore) ListActivity(ctx context.Context, filters ActivityFilters, limit, offset int) ([]*models.LogEntry, int64, error) {
	where, args := activityWhere(filters)

	var total int64
	countQuery := "SELECT COUNT(*) FROM activity_log" + where
	if err := s.getDB().QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activity: %w", err)
	}

	query := fmt.Sprintf(`
        SELECT id, seq, created_at, message, severity,
               remote_handle, annotation, origin_address, is_self
        FROM activity_log%s
        ORDER BY created_at DESC, seq DESC
        LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var seq int64
		if err := rows.Scan(
			&e.ID, &seq, &e.Timestamp, &e.Message, &e.Severity,
			&e.RemoteHandle, &e.Annotation, &e.OriginAddress, &e.IsSelfOriginated,
		); err != nil {
			return nil, 0, fmt.Errorf("scan activity: %w", err)
		}
		e.Seq = uint64(seq)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate activity: %w", err)
	}

	return entries, total, nil
}

// activityWhere builds the WHERE clause and its positional arguments
func activityWhere(filters ActivityFilters) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filters.Origin != nil {
		add("LOWER(origin_address) = LOWER($%d)", *filters.Origin)
	}
	if filters.Severity != nil {
		add("severity = $%d", string(*filters.Severity))
	}
	if filters.RemoteHandle != nil {
		add("remote_handle = $%d", *filters.RemoteHandle)
	}
	if filters.SelfOnly != nil {
		add("is_self = $%d", *filters.SelfOnly)
	}
	if filters.StartTime != nil {
		add("created_at >= $%d", *filters.StartTime)
	}
	if filters.EndTime != nil {
		add("created_at <= $%d", *filters.EndTime)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
