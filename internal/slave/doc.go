// Package slave is the worker side of distributed execution: it pulls
// items from the coordinator, runs them and forwards their result tables.
package slave
