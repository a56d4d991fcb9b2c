package popstore

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// localUIDPrefix marks UIDs for messages injected locally rather than
// downloaded from upstream (spec.md §4.7 "Local-mail injection").
const localUIDPrefix = "LOCAL-"

// LocalUID mints a fresh locally-injected UID: the prefix followed by
// 32 hex characters (spec.md DATA MODEL).
func LocalUID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; there is no sane fallback, so panic rather than
		// silently mint a predictable UID.
		panic("popstore: crypto/rand unavailable: " + err.Error())
	}
	return localUIDPrefix + hex.EncodeToString(buf[:])
}

// IsLocalUID reports whether uid was minted by LocalUID.
func IsLocalUID(uid string) bool {
	return len(uid) > len(localUIDPrefix) && uid[:len(localUIDPrefix)] == localUIDPrefix
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func randSuffix() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("popstore: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
