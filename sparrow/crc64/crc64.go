// Package crc64 implements the reflected CRC-64 variant ("Jones" polynomial)
// used by the RDB file format to checksum its trailing bytes.
package crc64

import (
	"encoding/binary"
	"hash"
	"hash/crc64"
)

// jonesPoly is the reversed form of the 0xad93d23594c935a9 generator
// polynomial used by Redis' RDB checksum, in the bit order Go's hash/crc64
// package expects (same convention as the stdlib ISO/ECMA tables).
const jonesPoly = 0x95ac9329ac4bc9b5

var table = crc64.MakeTable(jonesPoly)

// digest runs the table with an initial value of 0 and no final XOR, as RDB
// does; the stdlib's Update inverts on entry and exit, so it is undone here.
type digest struct{ crc uint64 }

func (d *digest) Write(p []byte) (int, error) {
	d.crc = ^crc64.Update(^d.crc, table, p)
	return len(p), nil
}
func (d *digest) Sum(in []byte) []byte { return binary.BigEndian.AppendUint64(in, d.crc) }
func (d *digest) Sum64() uint64        { return d.crc }
func (d *digest) Reset()               { d.crc = 0 }
func (d *digest) Size() int            { return 8 }
func (d *digest) BlockSize() int       { return 1 }

// New returns a hash.Hash64 computing the Jones-variant CRC-64 used by RDB.
func New() hash.Hash64 {
	return &digest{}
}

// Checksum returns the CRC-64 checksum of data.
func Checksum(data []byte) uint64 {
	return ^crc64.Update(^uint64(0), table, data)
}
