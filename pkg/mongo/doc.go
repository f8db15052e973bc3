// Package mongo connects the billing service to MongoDB.
//
// Connect retries the initial ping so the service survives a database that
// starts after it; Open returns the configured database handle. Healthcheck
// plugs into the HTTP health endpoint.
//
//	db, err := mongo.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer db.Client().Disconnect(context.Background())
package mongo
