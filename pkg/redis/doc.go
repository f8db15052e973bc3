// Package redis connects the billing service to Redis, which backs the
// shared webhook event ledger.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
package redis
