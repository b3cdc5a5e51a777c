// Package domain contains the core types and invariants shared by every
// component of the read-path engine: the cache, the read strategy, the
// background updater, the error handler, the subscription manager and the
// reconnection manager.
package domain

import "errors"

var (
	// ErrConnectionClosed indicates the OPC UA adapter reports no active session.
	ErrConnectionClosed = errors.New("opcua: connection closed")

	// ErrConnectionTimeout indicates a connect attempt did not complete in time.
	ErrConnectionTimeout = errors.New("opcua: connection timeout")

	// ErrServiceNotStarted indicates an operation was attempted before Start().
	ErrServiceNotStarted = errors.New("opcua: service not started")

	// ErrNodeNotFound indicates a monitored item or cache lookup had no match.
	ErrNodeNotFound = errors.New("opcua: node not found")

	// ErrInvalidNodeID indicates a node id failed the ns=<uint>;[si]=<id> format check.
	ErrInvalidNodeID = errors.New("opcua: invalid node id")

	// ErrSubscriptionFailed indicates the server rejected a subscription or
	// monitored-item create request.
	ErrSubscriptionFailed = errors.New("opcua: subscription failed")

	// ErrAccessDenied indicates a cache operation was attempted below its
	// required access level.
	ErrAccessDenied = errors.New("cache: access denied")

	// ErrUpdaterStopped indicates Schedule was called after Stop().
	ErrUpdaterStopped = errors.New("updater: stopped")

	// ErrInvalidConfig indicates a rejected configuration value.
	ErrInvalidConfig = errors.New("config: invalid")
)
