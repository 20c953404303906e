// Package execution provides the strategies that drain a scheduler: sync
// runs items inline, concurrent runs them on a goroutine pool and
// distributed hands them to worker processes over the wire protocol.
package execution
