package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging across the NBD server.
// Use these keys consistently across all log statements for log aggregation
// and querying.
const (
	// ========================================================================
	// Session & Connection
	// ========================================================================
	KeySessionID    = "session_id"    // per-connection session identifier
	KeyConnectionID = "connection_id" // raw TCP connection identifier
	KeyClientIP     = "client_ip"     // client IP address
	KeyClientPort   = "client_port"   // client source port

	// ========================================================================
	// Export & Driver
	// ========================================================================
	KeyExport     = "export"     // export name
	KeyDriver     = "driver"     // driver kind: raw, sharded, distributed
	KeyVolumeSize = "volume_size" // volume size in bytes

	// ========================================================================
	// NBD Protocol
	// ========================================================================
	KeyCommand    = "command"     // NBD command: read, write, flush, trim, disc, block_status
	KeyOption     = "option"      // NBD option code during negotiation
	KeyHandle     = "handle"      // request handle (opaque u64)
	KeyContextID  = "context_id"  // metadata context id assigned via SET_META_CONTEXT

	// ========================================================================
	// I/O Operations
	// ========================================================================
	KeyOffset       = "offset"        // byte offset for read/write/trim
	KeyLength       = "length"        // byte length for read/write/trim
	KeyBytesRead    = "bytes_read"    // actual bytes read
	KeyBytesWritten = "bytes_written" // actual bytes written

	// ========================================================================
	// Object Storage
	// ========================================================================
	KeyObject    = "object"     // object name in a backend
	KeyBackend   = "backend"    // backend kind: file, s3, cache
	KeyBucket    = "bucket"     // S3 bucket name
	KeyShard     = "shard"      // shard index
	KeyNode      = "node"       // distributed node index
	KeyReplica   = "replica"    // distributed replica index
	KeyAttempt   = "attempt"    // retry attempt number
	KeyMaxRetries = "max_retries" // maximum retry attempts

	// ========================================================================
	// Cache Layer
	// ========================================================================
	KeyCacheHit      = "cache_hit"      // cache hit indicator
	KeyCacheState    = "cache_state"    // cache entry state: dirty, clean
	KeyMemUsage      = "mem_usage"      // current cache memory usage
	KeyMemLimit      = "mem_limit"      // configured cache memory limit
	KeyEvicted       = "evicted"        // number of entries evicted

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyPropagation = "propagation" // Propagation result of a write-like op
)

// SessionID returns a slog.Attr for session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// ClientIP returns a slog.Attr for client IP address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Export returns a slog.Attr for export name
func Export(name string) slog.Attr {
	return slog.String(KeyExport, name)
}

// Driver returns a slog.Attr for driver kind
func Driver(kind string) slog.Attr {
	return slog.String(KeyDriver, kind)
}

// Command returns a slog.Attr for NBD command name
func Command(cmd string) slog.Attr {
	return slog.String(KeyCommand, cmd)
}

// Handle returns a slog.Attr for a request handle
func Handle(h uint64) slog.Attr {
	return slog.String(KeyHandle, fmt.Sprintf("%#x", h))
}

// Offset returns a slog.Attr for a byte offset
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Length returns a slog.Attr for a byte length
func Length(n uint64) slog.Attr {
	return slog.Uint64(KeyLength, n)
}

// Object returns a slog.Attr for an object name
func Object(name string) slog.Attr {
	return slog.String(KeyObject, name)
}

// Backend returns a slog.Attr for a backend kind
func Backend(kind string) slog.Attr {
	return slog.String(KeyBackend, kind)
}

// Shard returns a slog.Attr for a shard index
func Shard(i int) slog.Attr {
	return slog.Int(KeyShard, i)
}

// Node returns a slog.Attr for a distributed node index
func Node(i int) slog.Attr {
	return slog.Int(KeyNode, i)
}

// Replica returns a slog.Attr for a distributed replica index
func Replica(i int) slog.Attr {
	return slog.Int(KeyReplica, i)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// CacheHit returns a slog.Attr for cache hit indicator
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// Evicted returns a slog.Attr for number of entries evicted
func Evicted(n int) slog.Attr {
	return slog.Int(KeyEvicted, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
