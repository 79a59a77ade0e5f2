// Package config loads the EgoMarket daemon configuration from a single JSON
// file, fills defaults and maps each section onto the option types of the
// packages it configures (escrow, reputation, antigaming, auth, logger).
package config
