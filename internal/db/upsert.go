package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	DoNothing    bool     // keep existing rows untouched instead of updating them
}

// BulkUpsert loads rows through a temp table and merges them with
// INSERT ... ON CONFLICT:
//  1. CREATE TEMP TABLE ... (LIKE target)
//  2. COPY rows into it
//  3. drop duplicate conflict keys within the batch
//  4. INSERT INTO target SELECT ... ON CONFLICT (keys) DO UPDATE | DO NOTHING
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	onConflict := "DO NOTHING"
	if !cfg.DoNothing {
		updateCols := cfg.UpdateCols
		if updateCols == nil {
			updateCols = nonKeyColumns(cfg.Columns, cfg.ConflictKeys)
		}
		if len(updateCols) == 0 {
			return 0, eris.Errorf("db: upsert: nothing to update for %s", cfg.Table)
		}
		setClauses := make([]string, len(updateCols))
		for i, col := range updateCols {
			c := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		onConflict = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	var affected int64
	err := InTx(ctx, pool, func(tx pgx.Tx) error {
		tempTable := pgx.Identifier{TempTableName(cfg.Table)}.Sanitize()

		createSQL := fmt.Sprintf(
			"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
			tempTable, sanitizeTable(cfg.Table),
		)
		if _, err := tx.Exec(ctx, createSQL); err != nil {
			return eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{TempTableName(cfg.Table)}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
		}

		keyMatch := make([]string, len(cfg.ConflictKeys))
		for i, k := range cfg.ConflictKeys {
			c := pgx.Identifier{k}.Sanitize()
			keyMatch[i] = fmt.Sprintf("a.%s = b.%s", c, c)
		}
		dedupSQL := fmt.Sprintf(
			"DELETE FROM %s a USING %s b WHERE a.ctid < b.ctid AND %s",
			tempTable, tempTable, strings.Join(keyMatch, " AND "),
		)
		if _, err := tx.Exec(ctx, dedupSQL); err != nil {
			return eris.Wrapf(err, "db: upsert: dedup temp table for %s", cfg.Table)
		}

		colList := quoteAndJoin(cfg.Columns)
		upsertSQL := fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
			sanitizeTable(cfg.Table), colList, colList, tempTable,
			quoteAndJoin(cfg.ConflictKeys), onConflict,
		)
		tag, err := tx.Exec(ctx, upsertSQL)
		if err != nil {
			return eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert")
	}
	return affected, nil
}

// TempTableName returns the name of the staging table used for table.
func TempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

func nonKeyColumns(cols, keys []string) []string {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	var out []string
	for _, c := range cols {
		if !keySet[c] {
			out = append(out, c)
		}
	}
	return out
}

// sanitizeTable handles schema-qualified table names like "public.pipeline_runs".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
