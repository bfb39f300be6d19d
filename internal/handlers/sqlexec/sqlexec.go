// Package sqlexec runs SQL statements on the worker's pinned PostgreSQL
// session. Unqualified table names resolve in the task's tenant schema.
package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"tenantflow/internal/schema"
	"tenantflow/internal/worker"
)

var ErrNoSession = errors.New("no PostgreSQL session for alias")

type Statement struct {
	SQL   string `json:"sql"`
	Args  []any  `json:"args"`
	Alias string `json:"alias"`
}

type Exec struct{}

func (Exec) Handle(ctx context.Context, payload json.RawMessage) error {
	var st Statement
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("invalid statement payload: %w", err)
	}
	if st.SQL == "" {
		return fmt.Errorf("sql is required")
	}
	if st.Alias == "" {
		st.Alias = schema.DefaultAlias
	}

	cs, _ := schema.FromContext(ctx)
	pg, ok := cs[st.Alias].(*schema.PGConn)
	if !ok {
		return fmt.Errorf("%w: %w %q", worker.ErrSkipRetry, ErrNoSession, st.Alias)
	}
	res, err := pg.Conn().ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgerrcode.IsSyntaxErrororAccessRuleViolation(pgErr.Code) {
			return fmt.Errorf("%w: %w", worker.ErrSkipRetry, err)
		}
		return fmt.Errorf("exec in schema %q: %w", pg.ActiveSchema(), err)
	}
	n, _ := res.RowsAffected()
	log.Debug().Str("schema", pg.ActiveSchema()).Int64("rows", n).Msg("statement executed")
	return nil
}
