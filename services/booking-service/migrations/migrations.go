// Package migrations carries the booking schema. Every statement is
// idempotent, so Apply is safe on an already migrated database.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/clinicbook/libs/db"
)

//go:embed *.sql
var files embed.FS

// Apply runs every file in one transaction under an advisory lock, so
// replicas or test packages starting together do not race on the DDL.
func Apply(ctx context.Context, pool *db.Pool) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	return pool.InTx(ctx, db.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('clinicbook:migrations'))`); err != nil {
			return err
		}
		for _, name := range names {
			sql, err := files.ReadFile(name)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return fmt.Errorf("apply %s: %w", name, err)
			}
		}
		return nil
	})
}
