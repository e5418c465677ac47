// Package config carries the embedded default configuration file.
package config

import _ "embed"

// Default is the baseline conf.yaml compiled into the binary.
//
//go:embed conf.yaml
var Default []byte
