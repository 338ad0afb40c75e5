// Package storage provides the per-guild persistence layer.
//
// Every guild owns exactly one sqlite database file under the data
// directory, holding that guild's reminders and assignments. The Manager
// is the sole owner of open store handles; everything above it addresses
// a guild by id on every call and never caches a handle.
package storage
