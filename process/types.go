package process

import (
	"time"
)

// Event is one process creation as reported by an event source. Name is the
// value matched against the monitored target.
type Event struct {
	PID     uint32
	PPID    uint32
	Name    string
	ExePath string
}

// Info holds what could be learned about a process when its creation was
// observed. Fields that could not be read are left empty.
type Info struct {
	PID       uint32
	PPID      uint32
	Name      string
	Comm      string
	ExePath   string
	CmdLine   string
	UID       uint32
	Username  string
	ParentExe string
	Observed  time.Time
}

// Event returns the creation event for this process.
func (i *Info) Event() Event {
	return Event{
		PID:     i.PID,
		PPID:    i.PPID,
		Name:    i.Name,
		ExePath: i.ExePath,
	}
}
