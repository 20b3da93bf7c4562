package kademlia

import (
	"strings"
	"sync"
)

// ProtocolVersion is the wire protocol version this build speaks.
const ProtocolVersion = "kad/1"

var (
	versionMu   sync.RWMutex
	requiredVer = ProtocolVersion
)

// SetRequiredVersion sets the version that peers must match to be accepted.
// An empty value restores ProtocolVersion.
func SetRequiredVersion(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		v = ProtocolVersion
	}
	versionMu.Lock()
	requiredVer = v
	versionMu.Unlock()
}

// requiredVersion returns the configured required version.
func requiredVersion() string {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return requiredVer
}

// localVersion is the version stamped on outbound messages.
func localVersion() string {
	return requiredVersion()
}

// versionMismatch determines if the given peer version is unacceptable.
// Policy: required and peer must both be non-empty and exactly equal.
func versionMismatch(peerVersion string) (required string, mismatch bool) {
	required = requiredVersion()
	peer := strings.TrimSpace(peerVersion)
	if required == "" || peer == "" || peer != required {
		return required, true
	}
	return required, false
}
