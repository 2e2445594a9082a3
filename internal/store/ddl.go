package store

// Schema applied on startup by the postgres backend. Statements are
// idempotent so repeated startups are safe.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS item (
	id BIGSERIAL PRIMARY KEY,
	external_id BIGINT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	category TEXT NOT NULL,
	scale TEXT NOT NULL DEFAULT '',
	height_mm INT NOT NULL DEFAULT 0,
	image_url TEXT NOT NULL DEFAULT '',
	version TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS entry (
	id BIGSERIAL PRIMARY KEY,
	external_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	UNIQUE (category, external_id)
);

CREATE TABLE IF NOT EXISTS entry_to_item (
	entry_id BIGINT NOT NULL REFERENCES entry(id),
	item_id BIGINT NOT NULL REFERENCES item(id),
	role TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (entry_id, item_id, role)
);

CREATE TABLE IF NOT EXISTS item_release (
	id TEXT PRIMARY KEY,
	item_id BIGINT NOT NULL REFERENCES item(id),
	release_date TEXT NOT NULL DEFAULT '',
	release_type TEXT NOT NULL DEFAULT '',
	price DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT '',
	barcode TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS collection (
	user_id TEXT NOT NULL,
	item_id BIGINT NOT NULL REFERENCES item(id),
	release_id TEXT,
	added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, item_id)
);

CREATE TABLE IF NOT EXISTS "order" (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	shop TEXT NOT NULL DEFAULT '',
	order_date TEXT NOT NULL DEFAULT '',
	latest_release_date TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS order_item (
	order_id TEXT NOT NULL REFERENCES "order"(id),
	item_id BIGINT NOT NULL REFERENCES item(id),
	release_id TEXT,
	PRIMARY KEY (order_id, item_id)
);

CREATE TABLE IF NOT EXISTS sync_session (
	id TEXT PRIMARY KEY,
	sync_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	total_items INT NOT NULL DEFAULT 0,
	success_count INT NOT NULL DEFAULT 0,
	fail_count INT NOT NULL DEFAULT 0,
	status_message TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	order_id TEXT,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	CONSTRAINT counts_within_total CHECK (success_count + fail_count <= total_items)
);

CREATE TABLE IF NOT EXISTS sync_session_item (
	id TEXT PRIMARY KEY,
	sync_session_id TEXT NOT NULL REFERENCES sync_session(id),
	item_external_id BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	error_reason TEXT,
	retry_count INT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (sync_session_id, item_external_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_session_user ON sync_session(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_session_item_status ON sync_session_item(sync_session_id, status);
`
