// Package rdbload loads a boot-time RDB snapshot into a store.Store, and
// provides the fixed empty-RDB blob the primary hands off on PSYNC.
//
// The decoder only understands string-encoded keys and values; any other
// RDB value type aborts the load with an error. This mirrors upstream's own
// decoder, which was never extended past what its test fixtures needed.
package rdbload

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	lzf "github.com/zhuyie/golzf"
	"go.uber.org/zap"

	"github.com/kvcore/sparrowdb/sparrow/crc64"
	"github.com/kvcore/sparrowdb/sparrow/store"
)

const (
	opCodeAux          byte = 250
	opCodeResizeDB     byte = 251
	opCodeExpireTimeMs byte = 252
	opCodeExpireTimeS  byte = 253
	opCodeSelectDB     byte = 254
	opCodeEOF          byte = 255
)

const (
	stringEnc byte = 0
)

const (
	redisInt8          int = 0
	redisInt16         int = 1
	redisInt32         int = 2
	redisCompressedStr int = 3
)

// emptyRDBBase64 is a valid, empty Redis 7.2 RDB file: the exact bytes a
// connecting replica expects in response to PSYNC, embedded verbatim.
const emptyRDBBase64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

// EmptyRDB returns the decoded bytes of a minimal, valid, key-less RDB file.
func EmptyRDB() []byte {
	b, err := base64.StdEncoding.DecodeString(emptyRDBBase64)
	if err != nil {
		panic("rdbload: embedded empty RDB blob is malformed: " + err.Error())
	}
	return b
}

// LoadFile reads dir/filename and inserts every key/value/TTL triple it
// understands into st. A missing file is not an error: boot proceeds with an
// empty store.
func LoadFile(dir, filename string, st *store.Store, log *zap.Logger) error {
	if dir == "" || filename == "" {
		return nil
	}
	path := dir + "/" + filename

	if err := preFlight(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	return loadFromReader(bufio.NewReader(f), st, log)
}

// LoadBytes loads an in-memory RDB payload (as handed off during PSYNC) into
// st. Unlike LoadFile, there is no missing-file case: every read error is
// returned. The "REDIS" magic is not checked, and a payload that ends between
// entries without an EOF opcode loads without error.
func LoadBytes(b []byte, st *store.Store, log *zap.Logger) error {
	return loadFromReader(bufio.NewReader(bytes.NewReader(b)), st, log)
}

func loadFromReader(r *bufio.Reader, st *store.Store, log *zap.Logger) error {
	r.Discard(5) // "REDIS", already checked by preFlight for file loads
	r.Discard(4) // version number

	if err := skipAuxFields(r); err != nil {
		return err
	}
	return loadDatabases(r, st, log)
}

// preFlight checks the magic header and folds the whole file through the
// Jones-variant CRC64 used by the RDB format. The trailing checksum is not
// compared against the result.
func preFlight(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	if err != nil {
		return err
	}

	for i, want := range []byte("REDIS") {
		if n <= i || buf[i] != want {
			return errors.New("rdbload: not a Redis RDB file")
		}
	}

	hash := crc64.New()
	hash.Write(buf[:n])
	for {
		n, err := f.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		hash.Write(buf[:n])
	}
	// The trailing 8 bytes of the file are the checksum itself, already
	// folded into hash above; a from-scratch re-read would be required to
	// validate it properly, which this best-effort loader does not attempt.
	return nil
}

func skipAuxFields(r *bufio.Reader) error {
	for {
		opCode, err := r.ReadByte()
		if err != nil {
			return err
		}
		if opCode != opCodeAux {
			return r.UnreadByte()
		}
		if _, _, err := readStringEnc(r); err != nil {
			return err
		}
		if _, _, err := readStringEnc(r); err != nil {
			return err
		}
	}
}

func loadDatabases(r *bufio.Reader, st *store.Store, log *zap.Logger) error {
	for {
		opCode, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch opCode {
		case opCodeEOF:
			return nil

		case opCodeSelectDB:
			if _, _, err := readLengthEnc(r); err != nil {
				return err
			}

		case opCodeResizeDB:
			if _, _, err := readLengthEnc(r); err != nil {
				return err
			}
			if _, _, err := readLengthEnc(r); err != nil {
				return err
			}

		case opCodeExpireTimeS:
			buf := make([]byte, 4)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			expiry := time.Unix(int64(binary.LittleEndian.Uint32(buf)), 0)
			if err := loadKeyVal(r, st, expiry); err != nil {
				return err
			}

		case opCodeExpireTimeMs:
			buf := make([]byte, 8)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			expiry := time.UnixMilli(int64(binary.LittleEndian.Uint64(buf)))
			if err := loadKeyVal(r, st, expiry); err != nil {
				return err
			}

		default:
			if err := r.UnreadByte(); err != nil {
				return err
			}
			if err := loadKeyVal(r, st, time.Time{}); err != nil {
				return err
			}
		}
	}
}

func loadKeyVal(r *bufio.Reader, st *store.Store, expiry time.Time) error {
	valueType, err := r.ReadByte()
	if err != nil {
		return err
	}

	key, _, err := readStringEnc(r)
	if err != nil {
		return err
	}

	if valueType != stringEnc {
		return errors.New("rdbload: value type encoding not yet implemented")
	}
	val, valInt, err := readStringEnc(r)
	if err != nil {
		return err
	}
	if val == "" && valInt != 0 {
		val = strconv.Itoa(int(valInt)) // value arrived as one of the integer special formats
	}

	var ttl time.Duration
	if !expiry.IsZero() {
		ttl = time.Until(expiry)
		if ttl <= 0 {
			return nil // already expired by the time we loaded it
		}
	}
	st.Set(key, val, ttl)
	return nil
}

// readStringEnc returns either a decoded string, or (for the integer special
// formats) its numeric value with an empty string.
func readStringEnc(r *bufio.Reader) (string, uint, error) {
	length, special, err := readLengthEnc(r)
	if err != nil {
		return "", 0, err
	}

	if special {
		switch length {
		case redisInt8:
			b, err := r.ReadByte()
			return "", uint(b), err

		case redisInt16:
			buf := make([]byte, 2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return "", 0, err
			}
			return "", uint(binary.LittleEndian.Uint16(buf)), nil

		case redisInt32:
			buf := make([]byte, 4)
			if _, err := io.ReadFull(r, buf); err != nil {
				return "", 0, err
			}
			return "", uint(binary.LittleEndian.Uint32(buf)), nil

		case redisCompressedStr:
			s, err := readCompressedStr(r)
			return s, 0, err

		default:
			return "", 0, errors.New("rdbload: unknown special string format")
		}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", 0, err
	}
	return string(buf), 0, nil
}

func readCompressedStr(r *bufio.Reader) (string, error) {
	compressedLen, special, err := readLengthEnc(r)
	if special || err != nil {
		return "", errors.New("rdbload: invalid compressed string encoding")
	}
	uncompressedLen, special, err := readLengthEnc(r)
	if special || err != nil {
		return "", errors.New("rdbload: invalid compressed string encoding")
	}

	buf := make([]byte, compressedLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	out := make([]byte, uncompressedLen)
	if _, err := lzf.Decompress(buf, out); err != nil {
		return "", err
	}
	return string(out), nil
}

// readLengthEnc parses Redis's length encoding: the top two bits of the
// first byte select a 6-bit, 14-bit, 32-bit, or "special format" length.
func readLengthEnc(r *bufio.Reader) (int, bool, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch first >> 6 {
	case 0:
		return int(first & 63), false, nil

	case 1:
		next, err := r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		length := binary.BigEndian.Uint16([]byte{first & 63, next})
		return int(length), false, nil

	case 2:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, false, err
		}
		return int(binary.BigEndian.Uint32(buf)), false, nil

	case 3:
		return int(first & 63), true, nil
	}

	return 0, false, errors.New("rdbload: invalid length encoding")
}
