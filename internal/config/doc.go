// Package config loads the agentmarketd configuration from a YAML file with
// environment overrides and validates the settings that must be fatal at
// construction time, such as missing ledger credentials.
package config
