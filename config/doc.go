// Package config loads service configuration from defaults, an
// optional YAML file, and FLOWMESH_* environment variables, in that
// order of precedence.
package config
