// Package api defines the public types of the loom engine: runs, blueprints,
// history events, the error taxonomy, the name registries, and the Observer
// hooks. The root loom package re-exports everything applications need, so
// importing api directly is only necessary for lower-level integrations.
package api
