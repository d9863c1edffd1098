package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component field helpers for common component names
func Component(name string) Field {
	return String("component", name)
}

func Operation(op string) Field {
	return String("operation", op)
}

// Dir is the log directory an operation is acting on
func Dir(dir string) Field {
	return String("dir", dir)
}

// Offset is an entry's logical offset in the primary log
func Offset(off uint64) Field {
	return Uint64("offset", off)
}

// Epoch is the metadata epoch counter
func Epoch(e uint64) Field {
	return Uint64("epoch", e)
}

// IndexName names a configured index
func IndexName(name string) Field {
	return String("index", name)
}

// Bytes is a byte count (appended, flushed, lagging)
func Bytes(n uint64) Field {
	return Uint64("bytes", n)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}
