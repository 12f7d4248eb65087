// Package registry exposes the named, subscribable output stream of each
// registered formula. The evaluator is the only publisher; fan-out to any
// number of subscribers is done here by duplicating messages onto buffered
// per-subscriber channels, so no two consumers ever race on one channel.
// Subscriptions see only outputs published after they were created — there
// is no replay.
package registry
