// Package conflict decides, for a single conflicting document fragment,
// whether the locally queued edit, the server's edit, or a merge wins.
package conflict

import (
	"context"
	"encoding/json"
)

// VersionField is the monotonically increasing version counter embedded in
// every syncable payload. The server bumps it on each accepted write.
const VersionField = "__version"

// Payload is an opaque document fragment. The resolver only ever inspects
// the embedded version counter; field semantics belong to the caller.
type Payload map[string]any

// Resolution names the outcome of a conflict decision.
type Resolution string

const (
	UseLocal  Resolution = "use_local"
	UseServer Resolution = "use_server"
	Merge     Resolution = "merge"
	Manual    Resolution = "manual"
)

// Record captures one detected conflict and its resolution.
type Record struct {
	Local      Payload    `json:"localPayload"`
	Server     Payload    `json:"serverPayload"`
	Resolution Resolution `json:"resolution"`
	// Merged is set only when Resolution is Merge.
	Merged Payload `json:"mergedPayload,omitempty"`
}

// ResolverFunc lets a caller override the default policy. It receives the
// detected conflict and returns the payload to persist going forward: nil
// means accept the server state and drop the local edit, non-nil means
// re-submit the local item with that payload.
type ResolverFunc func(ctx context.Context, rec Record) (Payload, error)

// Resolve applies the default policy: if the server's version is strictly
// greater than the version the local edit was based on, the server wins.
// When either side carries no usable version the authoritative store wins.
func Resolve(local, server Payload) Record {
	rec := Record{Local: local, Server: server}

	localVersion, localOK := Version(local)
	serverVersion, serverOK := Version(server)
	if !localOK || !serverOK {
		rec.Resolution = UseServer
		return rec
	}

	if serverVersion > localVersion {
		rec.Resolution = UseServer
	} else {
		rec.Resolution = UseLocal
	}
	return rec
}

// Version extracts the embedded version counter from a payload. JSON
// decoding produces float64 for numbers; raw ints appear when the payload
// was built in process.
func Version(p Payload) (int64, bool) {
	raw, ok := p[VersionField]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
