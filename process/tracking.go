package process

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// procRoot is replaced in tests with a fake /proc tree.
var procRoot = "/proc"

const deletedSuffix = " (deleted)"

// Tracker remembers recently created processes so that metadata about a
// short-lived parent is still available after it has exited. Entries are
// evicted least-recently-used once the size limit is reached.
type Tracker struct {
	cache *lru.Cache
}

// NewTracker creates a tracker holding at most size processes.
func NewTracker(size int) (*Tracker, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create process cache: %w", err)
	}
	return &Tracker{cache: cache}, nil
}

// Add records info under its PID, replacing any earlier process that used
// the same PID.
func (t *Tracker) Add(info *Info) {
	if t == nil || info == nil {
		return
	}
	t.cache.Add(info.PID, info)
}

// Get retrieves process info from the tracker.
func (t *Tracker) Get(pid uint32) (*Info, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.cache.Get(pid)
	if !ok {
		return nil, false
	}
	return v.(*Info), true
}

// Len returns the number of tracked processes.
func (t *Tracker) Len() int {
	if t == nil {
		return 0
	}
	return t.cache.Len()
}

// Observe collects metadata for a freshly created process, fills in the
// parent image from earlier observations when /proc no longer has it, and
// records the result. A nil tracker still collects.
func (t *Tracker) Observe(pid uint32, comm string) *Info {
	info := Collect(pid, comm)
	if info.ParentExe == "" && info.PPID != 0 {
		if parent, ok := t.Get(info.PPID); ok {
			info.ParentExe = parent.ExePath
		}
	}
	t.Add(info)
	return info
}

// Collect gathers information about a process from /proc. The name is the
// base name of the executable, or comm when the executable link cannot be
// read (kernel threads, exited processes, insufficient permissions).
func Collect(pid uint32, comm string) *Info {
	info := &Info{
		PID:      pid,
		Comm:     comm,
		Observed: time.Now(),
	}
	procDir := filepath.Join(procRoot, strconv.FormatUint(uint64(pid), 10))

	if exePath, err := os.Readlink(filepath.Join(procDir, "exe")); err == nil {
		info.ExePath = strings.TrimSuffix(exePath, deletedSuffix)
	}

	if cmdline, err := os.ReadFile(filepath.Join(procDir, "cmdline")); err == nil {
		info.CmdLine = cleanCmdline(cmdline)
	}

	if stat, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		info.PPID = parsePPID(string(stat))
		if info.Comm == "" {
			info.Comm = parseComm(string(stat))
		}
	}

	if status, err := os.ReadFile(filepath.Join(procDir, "status")); err == nil {
		if uid, ok := parseUID(string(status)); ok {
			info.UID = uid
			info.Username = GetUsernameFromUID(uid)
		}
	}

	if info.PPID > 0 {
		parentDir := filepath.Join(procRoot, strconv.FormatUint(uint64(info.PPID), 10))
		if parentExe, err := os.Readlink(filepath.Join(parentDir, "exe")); err == nil {
			info.ParentExe = strings.TrimSuffix(parentExe, deletedSuffix)
		}
	}

	info.Name = info.Comm
	if info.ExePath != "" {
		info.Name = filepath.Base(info.ExePath)
	}
	return info
}

// cleanCmdline joins the NUL-separated arguments from /proc/<pid>/cmdline.
func cleanCmdline(raw []byte) string {
	var args []string
	for _, arg := range bytes.Split(raw, []byte{0}) {
		if len(arg) > 0 {
			args = append(args, string(arg))
		}
	}
	return strings.Join(args, " ")
}

// parsePPID extracts field 4 of /proc/<pid>/stat. comm may contain spaces and
// parentheses, so fields are counted from the last ')'.
func parsePPID(stat string) uint32 {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return 0
	}
	ppid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(ppid)
}

func parseComm(stat string) string {
	start := strings.IndexByte(stat, '(')
	end := strings.LastIndexByte(stat, ')')
	if start < 0 || end <= start {
		return ""
	}
	return stat[start+1 : end]
}

// parseUID returns the real UID from the Uid: line of /proc/<pid>/status.
func parseUID(status string) (uint32, bool) {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
		if len(fields) == 0 {
			return 0, false
		}
		uid, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(uid), true
	}
	return 0, false
}

// Simple cache for username lookups
var (
	usernameCacheMutex sync.RWMutex
	usernameCache      = make(map[uint32]string)
)

// GetUsernameFromUID resolves uid to a user name, caching the answer.
func GetUsernameFromUID(uid uint32) string {
	usernameCacheMutex.RLock()
	if username, ok := usernameCache[uid]; ok {
		usernameCacheMutex.RUnlock()
		return username
	}
	usernameCacheMutex.RUnlock()

	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		usernameCacheMutex.Lock()
		usernameCache[uid] = u.Username
		usernameCacheMutex.Unlock()
		return u.Username
	}
	return ""
}
