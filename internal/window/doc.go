// Package window keeps a bounded history of one formula's per-tick outputs
// and answers aggregate queries over it.
//
// A MovingWindow is fed from a registry subscription and retains the most
// recent N outputs in tick order. Aggregates skip absent values; a window
// holding only absent outputs has no aggregate. Readers and the feeding
// goroutine may run concurrently.
package window
