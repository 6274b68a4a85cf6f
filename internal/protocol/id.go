package protocol

import "crypto/rand"

// CircuitIDLength is the number of symbols in a circuit id.
const CircuitIDLength = 20

const circuitIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Bytes at or above this bound are redrawn so every symbol stays equally likely.
const unbiasedLimit = 256 - 256%len(circuitIDAlphabet)

// NewCircuitID returns a random 20-symbol id over [A-Za-z0-9]. If taken
// reports the drawn id as already in use, another one is drawn.
func NewCircuitID(taken func(string) bool) string {
	for {
		id := randomID()
		if taken == nil || !taken(id) {
			return id
		}
	}
}

func randomID() string {
	id := make([]byte, 0, CircuitIDLength)
	var buf [2 * CircuitIDLength]byte
	for len(id) < CircuitIDLength {
		// crypto/rand.Read never returns an error and never short-reads.
		rand.Read(buf[:])
		id = appendSymbols(id, buf[:])
	}
	return string(id)
}

// appendSymbols maps random bytes onto the alphabet until id is full,
// skipping bytes that would bias the result.
func appendSymbols(id, random []byte) []byte {
	for _, b := range random {
		if len(id) == CircuitIDLength {
			break
		}
		if int(b) >= unbiasedLimit {
			continue
		}
		id = append(id, circuitIDAlphabet[int(b)%len(circuitIDAlphabet)])
	}
	return id
}
