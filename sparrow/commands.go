package sparrow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kvcore/sparrowdb/sparrow/resp"
	"github.com/kvcore/sparrowdb/sparrow/store"
	"github.com/kvcore/sparrowdb/sparrow/streams"
)

// handler executes one command and returns the bytes to write back to the
// caller. A nil return means "nothing to write" (used by PSYNC, which writes
// its own framing directly).
type handler func(s *session, args []string) []byte

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"ping":     doPING,
		"echo":     doECHO,
		"set":      doSET,
		"get":      doGET,
		"del":      doDEL,
		"type":     doTYPE,
		"keys":     doKEYS,
		"info":     doINFO,
		"config":   doCONFIG,
		"replconf": doREPLCONF,
		"psync":    doPSYNC,
		"wait":     doWAIT,
		"xadd":     doXADD,
		"xrange":   doXRANGE,
		"xread":    doXREAD,
	}
}

// runHandler executes cmd for a client connection and writes its reply.
func (s *session) runHandler(cmd string, args []string) {
	h, ok := handlers[cmd]
	if !ok {
		s.writeErrorf("ERR", "unknown command %q", args[0])
		return
	}
	if reply := h(s, args); reply != nil {
		s.write(reply)
	}
}

// runHandlerSuppressed executes cmd for its side effects only, discarding
// any reply it would otherwise produce.
func (s *session) runHandlerSuppressed(cmd string, args []string) {
	if h, ok := handlers[cmd]; ok {
		h(s, args)
	}
}

func simpleOK() []byte { return []byte("+OK\r\n") }

func errReply(errType, msg string) []byte {
	var e resp.Encoder
	e.WriteError(errType, msg)
	return e.BytesAndReset()
}

func doPING(s *session, args []string) []byte {
	if len(args) > 1 {
		var e resp.Encoder
		e.WriteBulkString(args[1])
		return e.BytesAndReset()
	}
	return []byte("+PONG\r\n")
}

func doECHO(s *session, args []string) []byte {
	if len(args) < 2 {
		return errReply("ERR", "wrong number of arguments for 'echo' command")
	}
	var e resp.Encoder
	e.WriteBulkString(args[1])
	return e.BytesAndReset()
}

func doSET(s *session, args []string) []byte {
	if len(args) < 3 {
		return errReply("ERR", "wrong number of arguments for 'set' command")
	}
	var ttl time.Duration
	if len(args) >= 5 && strings.EqualFold(args[3], "px") {
		ms, err := strconv.Atoi(args[4])
		if err != nil {
			return errReply("ERR", "value is not an integer or out of range")
		}
		ttl = time.Duration(ms) * time.Millisecond
	}
	s.srv.store.Set(args[1], args[2], ttl)
	return simpleOK()
}

func doGET(s *session, args []string) []byte {
	if len(args) < 2 {
		return errReply("ERR", "wrong number of arguments for 'get' command")
	}
	v, ok := s.srv.store.Get(args[1])
	if !ok {
		var e resp.Encoder
		e.WriteNullBulk()
		return e.BytesAndReset()
	}
	if v.Kind != store.KindString {
		return errReply("WRONGTYPE", "Operation against a key holding the wrong kind of value")
	}
	var e resp.Encoder
	e.WriteBulkString(v.Str)
	return e.BytesAndReset()
}

func doDEL(s *session, args []string) []byte {
	n := 0
	for _, k := range args[1:] {
		if s.srv.store.Del(k) {
			n++
		}
	}
	var e resp.Encoder
	e.WriteInt(int64(n))
	return e.BytesAndReset()
}

func doTYPE(s *session, args []string) []byte {
	if len(args) < 2 {
		return errReply("ERR", "wrong number of arguments for 'type' command")
	}
	return []byte("+" + s.srv.store.Type(args[1]) + "\r\n")
}

func doKEYS(s *session, args []string) []byte {
	pattern := "*"
	if len(args) > 1 {
		pattern = args[1]
	}
	var matched []string
	for _, k := range s.srv.store.Keys() {
		if pattern == "*" {
			matched = append(matched, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			matched = append(matched, k)
		}
	}
	var e resp.Encoder
	e.WriteStringArray(matched)
	return e.BytesAndReset()
}

func doINFO(s *session, args []string) []byte {
	var b strings.Builder
	if s.srv.isReplica {
		b.WriteString("role:slave\r\n")
	} else {
		b.WriteString("role:master\r\n")
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", s.srv.registry.Count())
	}
	fmt.Fprintf(&b, "master_replid:%s\r\n", s.srv.registry.ReplID)
	b.WriteString("master_repl_offset:0\r\n")

	var e resp.Encoder
	e.WriteBulkString(b.String())
	return e.BytesAndReset()
}

func doCONFIG(s *session, args []string) []byte {
	if len(args) < 3 || !strings.EqualFold(args[1], "get") {
		return errReply("ERR", "only CONFIG GET is supported")
	}
	var val string
	switch strings.ToLower(args[2]) {
	case "dir":
		val = s.srv.cfg.Dir
	case "dbfilename":
		val = s.srv.cfg.DBFilename
	default:
		var e resp.Encoder
		e.WriteArrayHeader(0)
		return e.BytesAndReset()
	}
	var e resp.Encoder
	e.WriteStringArray([]string{args[2], val})
	return e.BytesAndReset()
}

func doREPLCONF(s *session, args []string) []byte {
	if len(args) < 2 {
		return errReply("ERR", "wrong number of arguments for 'replconf' command")
	}
	switch strings.ToLower(args[1]) {
	case "listening-port":
		if len(args) < 3 {
			return errReply("ERR", "REPLCONF listening-port requires a port")
		}
		r := s.srv.registry.GetOrCreate(s.peerAddr)
		s.listeningPort = args[2]
		r.ListeningPort = args[2]
		return simpleOK()
	case "capa":
		return simpleOK()
	case "ack":
		// Arrives on the primary's long-lived connection to the replica;
		// normally handled by dispatchFromReplica once PSYNC has switched
		// this session's role, but tolerate it here too.
		if len(args) >= 3 {
			if n, err := strconv.ParseInt(args[2], 10, 64); err == nil {
				s.srv.registry.UpdateAck(s.peerAddr, n)
			}
		}
		return nil
	default:
		return simpleOK()
	}
}

func doPSYNC(s *session, args []string) []byte {
	var e resp.Encoder
	e.WriteSimpleString(fmt.Sprintf("FULLRESYNC %s 0", s.srv.registry.ReplID))

	rdb := s.srv.emptyRDB()
	e.WriteRaw([]byte(fmt.Sprintf("$%d\r\n", len(rdb))))
	e.WriteRaw(rdb)
	s.write(e.BytesAndReset())

	s.srv.registry.GetOrCreate(s.peerAddr)
	s.srv.registry.MarkReady(s.peerAddr, s.conn)
	s.role = roleFromReplica
	return nil
}

func doWAIT(s *session, args []string) []byte {
	if len(args) < 3 {
		return errReply("ERR", "wrong number of arguments for 'wait' command")
	}
	numReplicas, err := strconv.Atoi(args[1])
	if err != nil {
		return errReply("ERR", "value is not an integer or out of range")
	}
	timeoutMs, err := strconv.Atoi(args[2])
	if err != nil {
		return errReply("ERR", "value is not an integer or out of range")
	}

	n := s.srv.fanout.Wait(context.Background(), s.srv.clock, numReplicas, time.Duration(timeoutMs)*time.Millisecond)
	var e resp.Encoder
	e.WriteInt(int64(n))
	return e.BytesAndReset()
}

func doXADD(s *session, args []string) []byte {
	if len(args) < 5 {
		return errReply("ERR", "wrong number of arguments for 'xadd' command")
	}
	fields, err := store.ParseFieldValues(args[3:])
	if err != nil {
		return errReply("ERR", err.Error())
	}

	id, err := s.srv.store.XAdd(args[1], args[2], fields)
	if err != nil {
		if errors.Is(err, store.ErrWrongType) {
			return errReply("WRONGTYPE", err.Error())
		}
		return errReply("ERR", err.Error())
	}

	var e resp.Encoder
	e.WriteBulkString(id.String())
	return e.BytesAndReset()
}

func doXRANGE(s *session, args []string) []byte {
	if len(args) < 4 {
		return errReply("ERR", "wrong number of arguments for 'xrange' command")
	}
	from, to, err := resolveRangeBounds(s, args[1], args[2], args[3])
	if err != nil {
		return errReply("ERR", err.Error())
	}

	entries, err := s.srv.store.XRange(args[1], from, to)
	if err != nil {
		return errReply("WRONGTYPE", err.Error())
	}
	return encodeStreamEntries(entries)
}

// normalizeBound fills in the implicit sequence number for a bare "<ms>"
// XRANGE bound: 0 on the low side, max-uint64 on the high side. "-", "+" and
// explicit "<ms>-<seq>" forms pass through unchanged.
func normalizeBound(spec string, seqIfBare uint64) string {
	if spec == "-" || spec == "+" || strings.Contains(spec, "-") {
		return spec
	}
	return spec + "-" + strconv.FormatUint(seqIfBare, 10)
}

func resolveRangeBounds(s *session, key, fromSpec, toSpec string) (streams.Key, streams.Key, error) {
	dummy := streams.Stream{}
	from, err := streams.NewKey(normalizeBound(fromSpec, 0), dummy)
	if err != nil {
		return streams.Key{}, streams.Key{}, err
	}
	to, err := streams.NewKey(normalizeBound(toSpec, streams.MaxUint64), dummy)
	if err != nil {
		return streams.Key{}, streams.Key{}, err
	}
	return from, to, nil
}

func encodeStreamEntries(entries []store.StreamEntry) []byte {
	var e resp.Encoder
	e.WriteArrayHeader(len(entries))
	for _, entry := range entries {
		e.WriteArrayHeader(2)
		e.WriteBulkString(entry.ID.String())
		e.WriteArrayHeader(len(entry.Fields) * 2)
		for _, fv := range entry.Fields {
			e.WriteBulkString(fv.Field)
			e.WriteBulkString(fv.Value)
		}
	}
	return e.BytesAndReset()
}

// doXREAD handles "XREAD [BLOCK ms] STREAMS key1 .. keyN id1 .. idN".
func doXREAD(s *session, args []string) []byte {
	rest := args[1:]
	var block time.Duration
	blocking := false
	if len(rest) >= 2 && strings.EqualFold(rest[0], "block") {
		ms, err := strconv.Atoi(rest[1])
		if err != nil {
			return errReply("ERR", "timeout is not an integer or out of range")
		}
		blocking = true
		block = time.Duration(ms) * time.Millisecond
		rest = rest[2:]
	}
	if len(rest) < 3 || !strings.EqualFold(rest[0], "streams") {
		return errReply("ERR", "syntax error")
	}
	rest = rest[1:]
	if len(rest)%2 != 0 {
		return errReply("ERR", "Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified")
	}
	numKeys := len(rest) / 2
	keys := rest[:numKeys]
	ids := rest[numKeys:]

	specs := make([]store.ReadSpec, numKeys)
	for i, key := range keys {
		var after streams.Key
		if ids[i] == "$" {
			var err error
			after, err = s.srv.store.LastStreamKey(key)
			if err != nil {
				return errReply("WRONGTYPE", err.Error())
			}
		} else {
			dummy := streams.Stream{}
			var err error
			after, err = streams.NewKey(ids[i], dummy)
			if err != nil {
				return errReply("ERR", "Invalid stream ID specified as stream command argument")
			}
		}
		specs[i] = store.ReadSpec{Key: key, After: after}
	}

	results, err := s.srv.store.XRead(context.Background(), specs, block, blocking)
	if err != nil {
		return errReply("WRONGTYPE", err.Error())
	}
	if len(results) == 0 {
		var e resp.Encoder
		e.WriteNullArray()
		return e.BytesAndReset()
	}

	var e resp.Encoder
	e.WriteArrayHeader(len(results))
	for _, r := range results {
		e.WriteArrayHeader(2)
		e.WriteBulkString(r.Key)
		e.WriteRaw(encodeStreamEntries(r.Entries))
	}
	return e.BytesAndReset()
}
