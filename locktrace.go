package torrent

import (
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/log"
	xsync "github.com/anacrolix/sync"
)

// lockLevel names a rung on the lock-order ladder enforced by I6/P7:
// a registry entry lock must always be acquired before the shared
// torrent-state lock, never the reverse.
type lockLevel int

const (
	levelRegistryEntry lockLevel = iota
	levelSharedState
)

// longHoldWarnThreshold mirrors rqbit's timed_existence module: a
// critical section held longer than this is logged, since the
// concurrency model assumes writers are brief (≤1ms target, per
// spec.md §5).
const longHoldWarnThreshold = time.Millisecond

// violateLockOrderPanics, when true, makes tracedLock panic instead of merely
// logging on an out-of-order acquisition. Property tests for P7 flip
// this to confirm the violation is actually detected.
var violateLockOrderPanics = false

// tracedLock wraps an RWMutex with goroutine-ownership tracking and
// lock-order checking, the same idiom as the teacher's deferrwl.go
// lockWithDeferreds (debugOnLock/debugOnUnlock via goroutine-id
// parsing from runtime.Stack), generalized here to also check the
// ladder position instead of just same-lock reentrancy. Only Lock and
// Unlock are traced: RLock and RUnlock pass straight through to the
// mutex and are neither timed nor order-checked.
type tracedLock struct {
	name   string
	level  lockLevel
	logger log.Logger

	internal xsync.RWMutex

	owner     int64
	heldSince time.Time
}

func newTracedLock(name string, level lockLevel, logger log.Logger) *tracedLock {
	return &tracedLock{name: name, level: level, logger: logger}
}

// perGoroutineLadder records, per calling goroutine, the level of the
// most recent Lock, so Lock can detect a registry-after-shared-state
// violation. Any Unlock clears the owning goroutine's entry, even if
// that goroutine still holds another traced lock; nested holds are not
// tracked as a stack. This is diagnostic-only state; production code paths never
// read it for correctness, only tests and the panic-on-violation mode
// do.
var perGoroutineLadder = newGoroutineLevelMap()

func (l *tracedLock) Lock() {
	gid := currentGoroutineID()
	if held, ok := perGoroutineLadder.get(gid); ok && held > l.level {
		msg := "lock order violation: goroutine " + strconv.FormatInt(gid, 10) +
			" acquiring " + l.name + " while already holding a higher-ladder lock"
		if violateLockOrderPanics {
			panic(msg)
		}
		l.logger.WithDefaultLevel(log.Warning).Print(msg)
	}
	l.internal.Lock()
	l.owner = gid
	l.heldSince = time.Now()
	perGoroutineLadder.set(gid, l.level)
}

func (l *tracedLock) Unlock() {
	held := time.Since(l.heldSince)
	if held > longHoldWarnThreshold {
		l.logger.WithDefaultLevel(log.Warning).Printf("lock %s held for %s (over %s budget)", l.name, held, longHoldWarnThreshold)
	}
	gid := l.owner
	l.owner = 0
	perGoroutineLadder.clear(gid)
	l.internal.Unlock()
}

func (l *tracedLock) RLock()   { l.internal.RLock() }
func (l *tracedLock) RUnlock() { l.internal.RUnlock() }

func currentGoroutineID() int64 {
	const prefix = "goroutine "
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	line := strings.TrimPrefix(string(buf[:n]), prefix)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// goroutineLevelMap is a tiny mutex-guarded map used only for lock-order
// diagnostics; it is intentionally not the sharded registry (it tracks
// one int per live goroutine doing locking, not per-peer state).
type goroutineLevelMap struct {
	mu xsync.Mutex
	m  map[int64]lockLevel
}

func newGoroutineLevelMap() *goroutineLevelMap {
	return &goroutineLevelMap{m: make(map[int64]lockLevel)}
}

func (g *goroutineLevelMap) get(gid int64) (lockLevel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lvl, ok := g.m[gid]
	return lvl, ok
}

func (g *goroutineLevelMap) set(gid int64, lvl lockLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m[gid] = lvl
}

func (g *goroutineLevelMap) clear(gid int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.m, gid)
}
