// Package ws streams formula outputs to WebSocket clients.
//
// The hub broadcasts a snapshot of every formula's latest output on a fixed
// interval, independent of the pipeline tick so slow clients never touch the
// evaluator. Clients falling behind their send buffer are disconnected.
package ws
