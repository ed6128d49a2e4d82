package ccc

import (
	"encoding/hex"
)

// xorTable is the vendor client's reverse-engineered scrambling table,
// applied to credential fields and CA fingerprints on the wire. It is not a
// real cipher, only a reversible byte permutation the gateway expects.
var xorTable = []byte("-ODIFIED&W0ROPERTY3HEET7ITH/+4HE3HEET)$3?,$!0?!5?02/0%24)%3.5,,\x10&7?70?/\"*%#43")

func translateByte(i int, c byte) byte {
	v := (c % 255) ^ xorTable[i%len(xorTable)]
	if v == 0 {
		return 255
	}
	return v
}

// translate walks the input back-to-front, XOR-permuting each byte with the
// table indexed by its ORIGINAL position, and writes the results forward —
// the net effect is both a permutation and a reversal of the buffer.
func translate(data []byte) []byte {
	n := len(data)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		srcIdx := n - 1 - i
		out[i] = translateByte(srcIdx, data[srcIdx])
	}
	return out
}

// Scramble reversibly permutes data and hex-encodes it, matching the
// gateway's "encrypted string" wire fields.
func Scramble(data []byte) string {
	return hex.EncodeToString(translate(data))
}

// Unscramble reverses Scramble.
func Unscramble(s string) ([]byte, error) {
	unhexed, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	reverse(unhexed)
	decoded := translate(unhexed)
	reverse(decoded)
	return decoded, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
