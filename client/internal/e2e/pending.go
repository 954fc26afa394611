package e2e

import "time"

// PendingQueueTTL is how long a message waits for its session/sender-key
// prerequisite before being dropped (spec §4.6).
const PendingQueueTTL = 60 * time.Second

type pendingDirect struct {
	plaintext []byte
	queuedAt  time.Time
}

type pendingChannelCiphertext struct {
	ciphertext []byte
	queuedAt   time.Time
}
