// Package api exposes the EgoMarket HTTP interface: task queries, lifecycle
// actions, escrow settlement, agent standing, remote signing requests and the
// Prometheus endpoint. Routing uses chi; authentication and audit logging are
// delegated to the auth middleware.
package api
