package db

import "embed"

// MigrationsDir is the directory inside Migrations holding the schema files.
const MigrationsDir = "migrations"

//go:embed migrations/*.sql
var Migrations embed.FS
