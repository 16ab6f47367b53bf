package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the database schema for the gateway core
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	if err := db.createExtensions(ctx); err != nil {
		return fmt.Errorf("failed to create extensions: %w", err)
	}

	tables := []string{
		createUsersTable,
		createUserPermissionsTable,
		createSessionsTable,
		createRefreshTokensTable,
		createRateLimitEntriesTable,
		createCircuitBreakerStatesTable,
		createAuditLogsTable,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		createUsersIndexes,
		createUserPermissionsIndexes,
		createSessionsIndexes,
		createRefreshTokensIndexes,
		createRateLimitEntriesIndexes,
		createAuditLogsIndexes,
	}

	for _, index := range indexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// createExtensions creates required PostgreSQL extensions
func (db *DB) createExtensions(ctx context.Context) error {
	extensions := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	}

	for _, ext := range extensions {
		if _, err := db.ExecContext(ctx, ext); err != nil {
			return fmt.Errorf("failed to create extension: %w", err)
		}
	}

	return nil
}

// SQL DDL statements for table creation
const (
	createUsersTable = `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			username VARCHAR(100) UNIQUE NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(50) NOT NULL,
			is_active BOOLEAN DEFAULT TRUE,
			is_verified BOOLEAN DEFAULT FALSE,
			locked_until TIMESTAMP WITH TIME ZONE,
			failed_login_attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createUserPermissionsTable = `
		CREATE TABLE IF NOT EXISTS user_permissions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			permission VARCHAR(100) NOT NULL,
			resource VARCHAR(200),
			conditions JSONB,
			granted_by UUID NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createSessionsTable = `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			token VARCHAR(255) UNIQUE NOT NULL,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			device_id VARCHAR(255),
			ip_address VARCHAR(64),
			user_agent TEXT,
			last_activity TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			is_active BOOLEAN DEFAULT TRUE,
			terminated_at TIMESTAMP WITH TIME ZONE,
			terminated_by VARCHAR(100),
			termination_reason VARCHAR(200),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createRefreshTokensTable = `
		CREATE TABLE IF NOT EXISTS refresh_tokens (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			token VARCHAR(255) UNIQUE NOT NULL,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			session_id UUID NOT NULL,
			parent_id UUID REFERENCES refresh_tokens(id),
			device_id VARCHAR(255),
			ip_address VARCHAR(64),
			is_revoked BOOLEAN DEFAULT FALSE,
			revoked_at TIMESTAMP WITH TIME ZONE,
			revoked_by VARCHAR(100),
			revoked_reason VARCHAR(200),
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createRateLimitEntriesTable = `
		CREATE TABLE IF NOT EXISTS rate_limit_entries (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			identifier VARCHAR(255) NOT NULL,
			route VARCHAR(255) NOT NULL,
			window_start TIMESTAMP WITH TIME ZONE NOT NULL,
			window_end TIMESTAMP WITH TIME ZONE NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			blocked BOOLEAN DEFAULT FALSE,
			UNIQUE (identifier, route, window_start)
		);`

	createCircuitBreakerStatesTable = `
		CREATE TABLE IF NOT EXISTS circuit_breaker_states (
			service_name VARCHAR(100) PRIMARY KEY,
			state VARCHAR(20) NOT NULL DEFAULT 'CLOSED',
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_failure TIMESTAMP WITH TIME ZONE,
			next_attempt TIMESTAMP WITH TIME ZONE,
			failure_threshold INTEGER NOT NULL,
			timeout_ms INTEGER NOT NULL,
			reset_timeout_ms INTEGER NOT NULL,
			total_requests BIGINT NOT NULL DEFAULT 0,
			successful_requests BIGINT NOT NULL DEFAULT 0,
			failed_requests BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createAuditLogsTable = `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID,
			action VARCHAR(100) NOT NULL,
			resource VARCHAR(200),
			resource_id VARCHAR(200),
			ip_address VARCHAR(64),
			user_agent TEXT,
			metadata JSONB,
			risk_level VARCHAR(20) NOT NULL,
			flagged BOOLEAN DEFAULT FALSE,
			review_required BOOLEAN DEFAULT FALSE,
			reviewed_by UUID,
			reviewed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`
)

// SQL DDL statements for index creation
const (
	createUsersIndexes = `
		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
		CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);`

	// Uniqueness on (user, permission, resource) needs two partial
	// indexes: a plain unique constraint treats NULL resources as
	// distinct, so duplicate unscoped grants would insert cleanly.
	createUserPermissionsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_user_permissions_user_id ON user_permissions(user_id);
		CREATE INDEX IF NOT EXISTS idx_user_permissions_expires_at ON user_permissions(expires_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_user_permissions_unique_scoped
			ON user_permissions(user_id, permission, resource) WHERE resource IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_user_permissions_unique_unscoped
			ON user_permissions(user_id, permission) WHERE resource IS NULL;`

	createSessionsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
		CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);`

	createRefreshTokensIndexes = `
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON refresh_tokens(token);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_parent_id ON refresh_tokens(parent_id);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at);`

	createRateLimitEntriesIndexes = `
		CREATE INDEX IF NOT EXISTS idx_rate_limit_entries_key ON rate_limit_entries(identifier, route, window_start);
		CREATE INDEX IF NOT EXISTS idx_rate_limit_entries_window_end ON rate_limit_entries(window_end);`

	createAuditLogsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_risk_level ON audit_logs(risk_level);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);`
)
