// Package pools provides object pooling for reducing GC pressure.
//
// The log engine allocates short-lived byte slices on every entry
// encode/decode; BytePool gives those buffers a second life instead of
// churning the garbage collector.
package pools
