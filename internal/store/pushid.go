package store

import (
	"math/rand"
	"sync"
	"time"
)

// Push ids are 20 characters: 8 encoding the creation timestamp in
// milliseconds, 12 of entropy. The alphabet sorts in ASCII order, so ids
// sort by creation time, and ids minted in the same millisecond stay
// ordered by incrementing the entropy suffix.
const pushAlphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var (
	pushMu       sync.Mutex
	pushLastMs   int64
	pushLastRand [12]int
)

func pushID() string {
	pushMu.Lock()
	defer pushMu.Unlock()

	now := time.Now().UnixMilli()
	if now == pushLastMs {
		// Same millisecond: bump the suffix so ordering holds.
		for i := 11; i >= 0; i-- {
			pushLastRand[i]++
			if pushLastRand[i] < 64 {
				break
			}
			pushLastRand[i] = 0
		}
	} else {
		pushLastMs = now
		for i := range pushLastRand {
			pushLastRand[i] = rand.Intn(64)
		}
	}

	var b [20]byte
	ms := now
	for i := 7; i >= 0; i-- {
		b[i] = pushAlphabet[ms%64]
		ms /= 64
	}
	for i, r := range pushLastRand {
		b[8+i] = pushAlphabet[r]
	}
	return string(b[:])
}
