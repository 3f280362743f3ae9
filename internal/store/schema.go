package store

// CoreMigrations returns the schema owned by this service.
// Each string is a single statement.
func CoreMigrations() []string {
	return []string{
		// Gateway transaction ledger. Rows are never deleted.
		`CREATE TABLE IF NOT EXISTS gateway_transactions (
			reference          TEXT PRIMARY KEY,
			transaction_id     TEXT UNIQUE,
			kind               TEXT NOT NULL,
			amount             NUMERIC(18,2) NOT NULL,
			currency           CHAR(3) NOT NULL,
			counterparty_phone TEXT NOT NULL,
			status             TEXT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_event_payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gateway_transactions_status ON gateway_transactions(status, updated_at)`,

		// Settlement side effects, one row per (event type, reference).
		`CREATE TABLE IF NOT EXISTS webhook_effects (
			key          TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,

		// Notification history. The id is derived from (installment, kind, day).
		`CREATE TABLE IF NOT EXISTS notification_events (
			id                 UUID PRIMARY KEY,
			client_id          TEXT NOT NULL,
			loan_id            TEXT NOT NULL,
			installment_id     TEXT NOT NULL,
			kind               TEXT NOT NULL,
			channel            TEXT NOT NULL,
			tone               TEXT NOT NULL,
			subject            TEXT NOT NULL DEFAULT '',
			message            TEXT NOT NULL,
			risk_level         TEXT NOT NULL,
			days_past_due      INTEGER NOT NULL DEFAULT 0,
			phone              TEXT NOT NULL DEFAULT '',
			email              TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			scheduled_for      TIMESTAMPTZ NOT NULL,
			sent_at            TIMESTAMPTZ,
			delivery_reference TEXT NOT NULL DEFAULT '',
			error_message      TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_events_client ON notification_events(client_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_events_pending ON notification_events(status, created_at)`,

		// Scheduler bookkeeping.
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			interval_minutes INTEGER NOT NULL,
			enabled          BOOLEAN NOT NULL DEFAULT true,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			max_retries      INTEGER NOT NULL DEFAULT 3,
			last_run         TIMESTAMPTZ,
			next_run         TIMESTAMPTZ,
			last_error       TEXT NOT NULL DEFAULT ''
		)`,
	}
}

// BackOfficeMigrations creates the loan book tables owned by the back-office
// screens. Only the seeder uses them; production reads the existing tables.
func BackOfficeMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id    TEXT PRIMARY KEY,
			name  TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS loans (
			id        TEXT PRIMARY KEY,
			client_id TEXT NOT NULL REFERENCES clients(id),
			status    TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS installments (
			id       TEXT PRIMARY KEY,
			loan_id  TEXT NOT NULL REFERENCES loans(id),
			number   INTEGER NOT NULL,
			due_date DATE NOT NULL,
			amount   NUMERIC(18,2) NOT NULL,
			currency CHAR(3) NOT NULL,
			paid_at  TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_installments_unpaid_due ON installments(due_date) WHERE paid_at IS NULL`,
	}
}
