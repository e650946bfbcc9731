// Package config loads and validates the YAML configuration shared by the
// device runtime and the reference service. Environment variables (and a
// local .env file) override selected keys before validation.
package config
