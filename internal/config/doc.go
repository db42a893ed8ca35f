// Package config loads the magiclink-server settings from .env and the
// process environment and maps them onto a [magiclink.Config].
package config
