// Package watch keeps the launcher resident: it runs update attempts on a cron
// schedule and serves the gRPC status surface while it waits.
package watch
