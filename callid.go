package offload

import (
	cryrand "crypto/rand"
	mathrand2 "math/rand/v2"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
)

// callIDBytes is the amount of randomness in a correlation id: 128 bits.
const callIDBytes = 16

var chacha8randMut sync.Mutex
var chacha8rand *mathrand2.ChaCha8 = newCryrandSeededChaCha8()

func newCryrandSeededChaCha8() *mathrand2.ChaCha8 {
	var seed [32]byte
	_, err := cryrand.Read(seed[:])
	panicOn(err)
	return mathrand2.NewChaCha8(seed)
}

// NewCallID returns a fresh correlation identifier: 128 pseudo-random
// bits from a crypto-seeded ChaCha8 stream, URL-safe base64 encoded.
// It is an opaque exact-match key with no ordering.
func NewCallID() (cid string) {
	var pseudo [callIDBytes]byte // not cryptographically random.
	chacha8randMut.Lock()
	chacha8rand.Read(pseudo[:])
	chacha8randMut.Unlock()
	cid = cristalbase64.URLEncoding.EncodeToString(pseudo[:])
	return
}

// newIdentity returns the 5 byte routing identity a ROUTER
// socket assigns to each peer. The leading zero byte marks
// it as generated, as ZMTP does.
func newIdentity() []byte {
	id := make([]byte, 5)
	chacha8randMut.Lock()
	chacha8rand.Read(id[1:])
	chacha8randMut.Unlock()
	return id
}
