// Package mysql persists tasks, agents, reputation events and suspensions in
// MySQL. Schema changes are applied from the embedded migrations in
// deploy/migrations when a store is opened.
package mysql
