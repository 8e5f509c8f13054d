// Package coherence implements the MSI coherence protocol: the policy
// that decides each transition and the inner/outer ports that execute the
// decisions against a cache.
package coherence

// BroadcastID marks a command with no specific originating inner cache.
const BroadcastID int32 = -1

// Msg is the coherence message class.
type Msg uint8

const (
	MsgNil Msg = iota
	MsgAcquire
	MsgRelease
	MsgProbe
	MsgFlush
)

// Act refines a message. Acquires fetch for read or write; probes,
// releases, and flushes either evict or write back.
type Act uint8

const (
	ActFetchRead Act = iota
	ActFetchWrite
	ActEvict
	ActWriteback
)

// Cmd is one coherence command: the originating inner cache (or
// BroadcastID), the message class, and the action.
type Cmd struct {
	ID  int32
	Msg Msg
	Act Act
}

// NilCmd is the empty decision.
var NilCmd = Cmd{ID: BroadcastID, Msg: MsgNil}

func IsAcquire(c Cmd) bool { return c.Msg == MsgAcquire }
func IsRelease(c Cmd) bool { return c.Msg == MsgRelease }
func IsProbe(c Cmd) bool   { return c.Msg == MsgProbe }
func IsFlush(c Cmd) bool   { return c.Msg == MsgFlush }

func IsFetchRead(c Cmd) bool  { return c.Act == ActFetchRead }
func IsFetchWrite(c Cmd) bool { return c.Act == ActFetchWrite }
func IsEvict(c Cmd) bool      { return c.Act == ActEvict }
func IsWriteback(c Cmd) bool  { return c.Act == ActWriteback }

// CmdForRead is a read acquire.
func CmdForRead() Cmd { return Cmd{BroadcastID, MsgAcquire, ActFetchRead} }

// CmdForWrite is a write acquire.
func CmdForWrite() Cmd { return Cmd{BroadcastID, MsgAcquire, ActFetchWrite} }

// CmdForFlush is an evicting flush.
func CmdForFlush() Cmd { return Cmd{BroadcastID, MsgFlush, ActEvict} }

// CmdForWriteback is a flush that writes back without evicting.
func CmdForWriteback() Cmd { return Cmd{BroadcastID, MsgFlush, ActWriteback} }

// CmdForRelease is an evicting release.
func CmdForRelease() Cmd { return Cmd{BroadcastID, MsgRelease, ActEvict} }

// CmdForReleaseWriteback is a release carrying dirty data only.
func CmdForReleaseWriteback() Cmd { return Cmd{BroadcastID, MsgRelease, ActWriteback} }
