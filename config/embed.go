// Package config carries the built-in default configuration.
package config

import _ "embed"

//go:embed default.yaml
var Default []byte
