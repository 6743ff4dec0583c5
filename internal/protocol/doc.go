// Package protocol implements the message-based transport used to discover
// and invoke another party's tools. Requests and responses are single JSON
// lines correlated by caller-chosen IDs, so several calls may be in flight on
// one connection and responses may arrive out of order. The symmetric server
// role exposes a local tool registry to remote callers.
package protocol
