package wal

// checksumSeed is the multiplier of the log checksum fold.
const checksumSeed uint32 = 13331

// Checksum folds data into acc as acc = acc*13331 + b for each byte b.
//
// Each byte is taken as a signed 8-bit value and the arithmetic wraps at
// 32 bits, so the result matches logs written by other implementations of
// the same format. The checksum of a frame is Checksum(0, payload); the
// file-level XChecksum folds every whole frame in append order.
func Checksum(acc uint32, data []byte) uint32 {
	for _, b := range data {
		acc = acc*checksumSeed + uint32(int32(int8(b)))
	}
	return acc
}
