// Package migrations embeds the goose migration set for the event log and
// run snapshot schema (spec.md §6 "Persisted schema").
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
