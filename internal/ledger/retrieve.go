// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// QueryOptions filters stored records. Filters combine with AND.
type QueryOptions struct {
	RCTID      string
	DesignType types.DesignType

	// NeedsManual, when set, keeps only records with that flag.
	NeedsManual *bool

	// ErrorKind keeps records whose quality errors include the kind.
	ErrorKind types.ErrorKind

	// MaxResults limits result count. Zero uses the ledger default.
	MaxResults int
}

// Retrieve returns stored enriched records ordered by rct_id.
func (l *Ledger) Retrieve(ctx context.Context, opts QueryOptions) ([]types.EnrichedRecord, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = l.maxResults
	}

	var (
		qb   strings.Builder
		args []any
	)
	qb.WriteString(`SELECT r.record FROM records r WHERE 1=1`)
	if opts.RCTID != "" {
		qb.WriteString(` AND r.rct_id = ?`)
		args = append(args, opts.RCTID)
	}
	if opts.DesignType != "" {
		qb.WriteString(` AND r.design_type = ?`)
		args = append(args, string(opts.DesignType))
	}
	if opts.NeedsManual != nil {
		qb.WriteString(` AND r.needs_manual = ?`)
		args = append(args, *opts.NeedsManual)
	}
	if opts.ErrorKind != "" {
		qb.WriteString(` AND EXISTS (SELECT 1 FROM json_each(r.record, '$.enrichment.quality.errors') e
			WHERE json_extract(e.value, '$.kind') = ?)`)
		args = append(args, string(opts.ErrorKind))
	}
	qb.WriteString(` ORDER BY r.rct_id LIMIT ?`)
	args = append(args, maxResults)

	rows, err := l.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var out []types.EnrichedRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		var rec types.EnrichedRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding stored record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
