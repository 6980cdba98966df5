// Package api exposes the marketplace REST surface: agent registration and
// discovery, task submission and status reporting, payment settlement with
// gasless permit verification, and the reputation leaderboard.
package api
