// Package migration manages the postgres schema using golang-migrate
// with SQL files embedded in the binary.
//
// SQLite deployments do not use this package; the store runs GORM
// AutoMigrate for that driver instead.
package migration
