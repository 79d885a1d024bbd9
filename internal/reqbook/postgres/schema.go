package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS request_book (
	id BIGINT PRIMARY KEY,
	cumulative_stk NUMERIC(78, 0) NOT NULL,
	cumulative_shares NUMERIC(78, 0) NOT NULL,
	owner BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	report_at TIMESTAMPTZ NOT NULL,
	claimed BOOLEAN NOT NULL DEFAULT false,

	CONSTRAINT request_book_owner_len CHECK (octet_length(owner) = 20),
	CONSTRAINT request_book_stk_nonneg CHECK (cumulative_stk >= 0),
	CONSTRAINT request_book_shares_nonneg CHECK (cumulative_shares >= 0)
);

CREATE INDEX IF NOT EXISTS request_book_owner_idx ON request_book (owner, id) WHERE NOT claimed;
`
