// Package schemasassets provides embedded JSON schemas so validation works
// in installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// NodeConfigSchema is the embedded schema for the persisted node
// configuration (local.yaml).
//
//go:embed node-config.schema.json
var NodeConfigSchema []byte
