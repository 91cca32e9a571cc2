// Package schemasassets embeds the JSON schemas shipped with the binary, so
// validation works regardless of the working directory.
package schemasassets

import _ "embed"

// ConfigSchema is the schema of the node configuration file.
//
//go:embed gopds-config.schema.json
var ConfigSchema []byte
