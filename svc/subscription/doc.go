// Package subscription provides the production persistence adapters for the
// billing engine in pkg/subscription: subscription stores and user
// directories on MongoDB and PostgreSQL, and a Redis-backed event ledger.
//
// The PostgreSQL schema ships as embedded goose migrations applied with
// MigratePostgres. MongoStore.EnsureIndexes creates the partial unique
// indexes the Mongo store depends on for its uniqueness guarantees.
package subscription
