// Package config loads and validates application configuration from the
// environment, with optional .env file support for local development.
// All settings use the GATEKEEPER_ prefix. Credentials (bot token,
// gateway secret) have no defaults and must come from the environment.
package config
