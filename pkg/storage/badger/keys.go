package badger

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/oceanbase/memctx/pkg/storage"
)

// Key layout. Every key starts with a one-letter table prefix.
//
//	c/<context id>                               context record (JSON)
//	o/<owner> 0 <context id>                     owner index
//	e/<scope> 0 <scope id> 0 <ts><id>            entry (JSON)
//	i/<id>                                       id -> entry key
//	t/<tier><ts><id>                             tier index -> entry key
//	k/<context id> 0 <id>                        context index
//	a/<id>                                       archived entry (JSON)
//
// <ts> is the creation time in nanoseconds with the sign bit flipped so
// that big-endian byte order matches numeric order. <id> is big-endian.
const (
	prefixContext = "c/"
	prefixOwner   = "o/"
	prefixEntry   = "e/"
	prefixID      = "i/"
	prefixTier    = "t/"
	prefixCtxIdx  = "k/"
	prefixArchive = "a/"

	sep = 0x00

	// suffixLen is the length of <ts><id>.
	suffixLen = 16
)

func sortableNanos(t time.Time) uint64 {
	return uint64(storage.Nanos(t)) ^ (1 << 63)
}

func appendSuffix(b []byte, t time.Time, id int64) []byte {
	b = binary.BigEndian.AppendUint64(b, sortableNanos(t))
	return binary.BigEndian.AppendUint64(b, uint64(id))
}

func contextKey(id string) []byte {
	return append([]byte(prefixContext), id...)
}

func ownerPrefix(owner string) []byte {
	b := append([]byte(prefixOwner), owner...)
	return append(b, sep)
}

func ownerKey(owner, id string) []byte {
	return append(ownerPrefix(owner), id...)
}

func entryPrefix(ref storage.ScopeRef) []byte {
	b := append([]byte(prefixEntry), ref.Scope...)
	b = append(b, sep)
	b = append(b, ref.ID...)
	return append(b, sep)
}

func entryKey(e *storage.Entry) []byte {
	return appendSuffix(entryPrefix(e.Scope), e.CreatedAt, e.ID)
}

func idKey(id int64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixID), uint64(id))
}

func tierPrefix(tier int) []byte {
	return append([]byte(prefixTier), byte(tier))
}

func tierKey(e *storage.Entry) []byte {
	return appendSuffix(tierPrefix(e.Tier), e.CreatedAt, e.ID)
}

// tierKeyBefore reports whether a tier index key sorts before cutoff.
func tierKeyBefore(key []byte, cutoff time.Time) bool {
	ts := key[len(prefixTier)+1 : len(prefixTier)+1+8]
	return bytes.Compare(ts, binary.BigEndian.AppendUint64(nil, sortableNanos(cutoff))) < 0
}

func ctxIdxPrefix(contextID string) []byte {
	b := append([]byte(prefixCtxIdx), contextID...)
	return append(b, sep)
}

func ctxIdxKey(contextID string, id int64) []byte {
	return binary.BigEndian.AppendUint64(ctxIdxPrefix(contextID), uint64(id))
}

func archiveKey(id int64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixArchive), uint64(id))
}

// seekLast returns the key a reverse iterator seeks to in order to start
// at the last key with the given prefix.
func seekLast(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xFF}, suffixLen)...)
}
