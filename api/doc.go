// Package api holds the JSON wire types of the coordinator façade and of the
// participant-facing RPC surface.
package api
