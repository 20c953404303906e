// Package types defines the data structures shared across the simulation
// engine.
//
// This package contains:
//   - result tables and descriptor tags
//   - completion events and worker states
//   - the run error taxonomy
package types
