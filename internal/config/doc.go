// Package config loads ledgersync configuration files.
//
// YAML, TOML and CUE files are accepted. Whatever the format, the document
// is unified with an embedded CUE schema that supplies defaults and rejects
// unknown keys and out-of-range values before it is decoded into Config.
package config
