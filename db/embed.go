// Package db provides embedded database migrations and seed data.
package db

import "embed"

// Migrations holds goose migration files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that goose reads from.
const MigrationsDir = "migrations"

// Seed is the default directory of businesses, workers, VAT profiles and
// discount codes.
//
//go:embed seed/directory.json
var Seed []byte
