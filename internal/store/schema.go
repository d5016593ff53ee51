package store

// schema is idempotent so Migrate can run on every deploy.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id           BIGSERIAL PRIMARY KEY,
	sender_upi   TEXT NOT NULL,
	receiver_upi TEXT NOT NULL,
	amount       NUMERIC(18,2) NOT NULL CHECK (amount >= 0.01),
	kind         TEXT NOT NULL DEFAULT 'payment',
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	enqueued_at  TIMESTAMPTZ,
	CHECK (lower(sender_upi) <> lower(receiver_upi))
);

CREATE INDEX IF NOT EXISTS transactions_orphans_idx
	ON transactions (created_at) WHERE status = 'queued' AND enqueued_at IS NULL;

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key            TEXT PRIMARY KEY,
	transaction_id BIGINT NOT NULL REFERENCES transactions (id),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idempotency_keys_txn_idx ON idempotency_keys (transaction_id);

CREATE TABLE IF NOT EXISTS transaction_history (
	id             BIGSERIAL PRIMARY KEY,
	transaction_id BIGINT NOT NULL REFERENCES transactions (id),
	prev_status    TEXT NOT NULL,
	new_status     TEXT NOT NULL,
	changed_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transaction_history_txn_idx ON transaction_history (transaction_id, id);

CREATE TABLE IF NOT EXISTS stream_cursors (
	consumer   TEXT NOT NULL,
	stream     TEXT NOT NULL,
	last_id    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (consumer, stream)
);
`
