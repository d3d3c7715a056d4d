package postgres

// SQL queries for sale record and cached insight storage.

const (
	// querySaveRecord inserts one processed sale event.
	// The record ID is derived from the source log entry, so redelivered
	// entries conflict and insert nothing, keeping at-least-once consumption
	// idempotent. RETURNING ingest_seq distinguishes a fresh insert
	// (one row) from a duplicate (sql.ErrNoRows).
	querySaveRecord = `
		INSERT INTO sale_records (
			id, tenant, product, quantity, sale_date, ingested_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING ingest_seq
	`

	// queryUpsertInsight overwrites the cached insight for (tenant, kind).
	// The refresher regenerates every cycle; only the latest text is kept.
	queryUpsertInsight = `
		INSERT INTO cached_insights (
			id, tenant, kind, insight_text, generated_at
		)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant, kind) DO UPDATE
		SET id = EXCLUDED.id,
		    insight_text = EXCLUDED.insight_text,
		    generated_at = EXCLUDED.generated_at
	`

	// queryRecentRecords fetches a tenant's newest records, used to build
	// the context handed to the summarization collaborator.
	queryRecentRecords = `
		SELECT id, tenant, product, quantity, sale_date, ingested_at
		FROM sale_records
		WHERE tenant = $1
		ORDER BY ingest_seq DESC
		LIMIT $2
	`
)
