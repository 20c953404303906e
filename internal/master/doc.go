// Package master is the coordinator side of distributed execution. It
// serves work to worker processes over the wire protocol, stages the
// tables they transfer and owns the worker processes it spawned.
package master
