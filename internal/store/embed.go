package store

import _ "embed"

// Schema is the bundled schema.sql contents, applied via Migrate. Embedding
// it keeps a single source of truth between the file on disk (readable/
// diffable in review) and what a running binary actually executes.
//
//go:embed schema.sql
var Schema string
