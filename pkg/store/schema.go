// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	github_id   INTEGER,
	natural_key TEXT,
	data        TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities (kind);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_kind_github_id
	ON entities (kind, github_id) WHERE github_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_kind_natural_key
	ON entities (kind, natural_key) WHERE natural_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS links (
	from_id TEXT NOT NULL,
	rel     TEXT NOT NULL,
	to_id   TEXT NOT NULL,
	PRIMARY KEY (from_id, rel, to_id)
);

CREATE INDEX IF NOT EXISTS idx_links_to ON links (to_id, rel);

CREATE TABLE IF NOT EXISTS sync_states (
	user_id              TEXT NOT NULL,
	resource_type        TEXT NOT NULL,
	resource_id          TEXT NOT NULL DEFAULT '',
	sync_status          TEXT NOT NULL DEFAULT 'idle',
	last_etag            TEXT NOT NULL DEFAULT '',
	last_synced_at       TIMESTAMP,
	sync_error           TEXT NOT NULL DEFAULT '',
	progress             TEXT NOT NULL DEFAULT '',
	rate_limit_remaining INTEGER,
	rate_limit_reset     TIMESTAMP,
	PRIMARY KEY (user_id, resource_type, resource_id)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	delivery_id  TEXT PRIMARY KEY,
	event        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'received',
	received_at  TIMESTAMP NOT NULL,
	processed_at TIMESTAMP,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS webhook_queue (
	id            TEXT PRIMARY KEY,
	delivery_id   TEXT NOT NULL UNIQUE,
	event         TEXT NOT NULL,
	action        TEXT NOT NULL DEFAULT '',
	payload       TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMP NOT NULL,
	lease_worker  TEXT NOT NULL DEFAULT '',
	leased_at     TIMESTAMP,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	processed_at  TIMESTAMP,
	failed_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_webhook_queue_due
	ON webhook_queue (status, next_retry_at);
`
