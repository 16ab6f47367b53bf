package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// PostgresStore persists audit entries in the audit_logs table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed audit store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const auditColumns = `id, user_id, action, resource, resource_id, ip_address, user_agent,
		metadata, risk_level, flagged, review_required, reviewed_by, reviewed_at, created_at`

// Insert writes a new audit entry
func (s *PostgresStore) Insert(ctx context.Context, entry *types.AuditLogEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_logs (id, user_id, action, resource, resource_id, ip_address,
			user_agent, metadata, risk_level, flagged, review_required, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Action, entry.Resource, entry.ResourceID,
		entry.IPAddress, entry.UserAgent, metadata, entry.RiskLevel,
		entry.Flagged, entry.ReviewRequired, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetByID returns a single audit entry
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*types.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE id = $1`
	return scanAuditEntry(s.db.QueryRowContext(ctx, query, id))
}

// List returns entries matching the filter, newest first
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*types.AuditLogEntry, error) {
	conditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, filter.UserID)
		argIndex++
	}
	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argIndex))
		args = append(args, filter.Action)
		argIndex++
	}
	if filter.Resource != "" {
		conditions = append(conditions, fmt.Sprintf("resource = $%d", argIndex))
		args = append(args, filter.Resource)
		argIndex++
	}
	if filter.RiskLevel != "" {
		conditions = append(conditions, fmt.Sprintf("risk_level = $%d", argIndex))
		args = append(args, filter.RiskLevel)
		argIndex++
	}
	if filter.Flagged != nil {
		conditions = append(conditions, fmt.Sprintf("flagged = $%d", argIndex))
		args = append(args, *filter.Flagged)
		argIndex++
	}
	if filter.ReviewRequired != nil {
		conditions = append(conditions, fmt.Sprintf("review_required = $%d", argIndex))
		args = append(args, *filter.ReviewRequired)
		argIndex++
	}
	if filter.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.Since)
		argIndex++
	}
	if filter.Until != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIndex))
		args = append(args, *filter.Until)
		argIndex++
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)
	argIndex++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditLogEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkReviewed sets the review fields on an entry that is awaiting
// review. Content columns are never part of the update.
func (s *PostgresStore) MarkReviewed(ctx context.Context, id, reviewedBy string, reviewedAt time.Time) error {
	query := `
		UPDATE audit_logs
		SET review_required = false, reviewed_by = $2, reviewed_at = $3
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, reviewedBy, reviewedAt)
	if err != nil {
		return fmt.Errorf("failed to mark audit entry reviewed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeletePurgeable removes aged-out entries that are neither flagged
// nor awaiting review
func (s *PostgresStore) DeletePurgeable(ctx context.Context, horizon time.Time) (int64, error) {
	query := `
		DELETE FROM audit_logs
		WHERE created_at < $1 AND flagged = false AND review_required = false`

	result, err := s.db.ExecContext(ctx, query, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditEntry(row rowScanner) (*types.AuditLogEntry, error) {
	var entry types.AuditLogEntry
	var metadata []byte
	var resourceID, ipAddress, userAgent, reviewedBy sql.NullString
	var reviewedAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.Resource,
		&resourceID, &ipAddress, &userAgent, &metadata, &entry.RiskLevel,
		&entry.Flagged, &entry.ReviewRequired, &reviewedBy, &reviewedAt, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	entry.ResourceID = resourceID.String
	entry.IPAddress = ipAddress.String
	entry.UserAgent = userAgent.String
	entry.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		entry.ReviewedAt = &reviewedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}
	}
	return &entry, nil
}
