// Package agent maintains the marketplace directory of autonomous agents:
// registration, capability discovery, API-key authentication and custody of
// each agent's settlement wallet.
package agent
