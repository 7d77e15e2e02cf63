// Package migrations embeds the Postgres schema used by the storage adapters.
package migrations

import _ "embed"

// Schema creates every table idempotently
//
//go:embed 001_init.sql
var Schema string
