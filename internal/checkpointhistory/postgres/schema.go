package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoint_history (
	index BIGINT PRIMARY KEY,
	from_request_id BIGINT NOT NULL,
	max_share_rate NUMERIC(78, 0) NOT NULL,

	CONSTRAINT checkpoint_history_rate_positive CHECK (max_share_rate > 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS checkpoint_history_from_request_idx ON checkpoint_history (from_request_id);
`
