package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks nodes with plainto_tsquery/ts_rank over the expression the
// nodes FTS index covers, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const fts = `to_tsvector('english', n.title || ' ' || COALESCE(n.content, ''))`
	const tsQuery = `plainto_tsquery('english', $1)`
	where := fmt.Sprintf("n.planet_id = $2 AND %s @@ %s", fts, tsQuery)

	ctx := context.Background()

	var total int
	countSQL := fmt.Sprintf(`SELECT count(*) FROM nodes n WHERE %s`, where)
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text, q.PlanetID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT n.id, n.planet_id, n.slug, n.title, n.file_path, n.tier,
			ts_headline('english', COALESCE(n.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM nodes n
		WHERE %s
		ORDER BY ts_rank(%s, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, fts, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text, q.PlanetID)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.PlanetID, &r.Slug, &r.Title, &r.FilePath, &r.Tier, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadPlanetRecords returns a planet's nodes for full reindexing.
func (p *PgFTS) LoadPlanetRecords(ctx context.Context, planetID string) ([]NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, planet_id, slug, title, file_path, tier, COALESCE(content, '')
		FROM nodes
		WHERE planet_id=$1
	`, planetID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	records := make([]NodeRecord, 0)
	for rows.Next() {
		var r NodeRecord
		if err := rows.Scan(&r.ID, &r.PlanetID, &r.Slug, &r.Title, &r.FilePath, &r.Tier, &r.Content); err != nil {
			return nil, fmt.Errorf("scan node record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node records: %w", err)
	}
	return records, nil
}
