// Package pg connects the billing service to PostgreSQL through pgx and
// applies embedded goose migrations.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//	if err := pg.Migrate(ctx, pool, migrations.FS, ".", cfg, log); err != nil {
//		return err
//	}
//
// The error helpers translate SQLSTATE codes so stores can map unique and
// foreign key violations onto their own sentinel errors.
package pg
