package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kernel process task names.
const (
	TaskProcessStart = "ProcessStart"
	TaskProcessStop  = "ProcessStop"
)

// Event levels as emitted by the device.
const (
	LevelCritical    = 1
	LevelError       = 2
	LevelWarning     = 3
	LevelInformation = 4
	LevelVerbose     = 5
)

// epochShift is the number of seconds between 1601-01-01 and 1970-01-01.
const epochShift = 11644473600

// Event is one trace record of a batch.
type Event struct {
	Level           int     `json:"Level"`
	ProviderName    string  `json:"ProviderName"`
	Timestamp       uint64  `json:"Timestamp"`
	StringMessage   string  `json:"StringMessage"`
	TaskName        string  `json:"TaskName,omitempty"`
	ProcessID       *uint32 `json:"ProcessID,omitempty"`
	PackageFullName string  `json:"PackageFullName,omitempty"`
	ExitCode        *int    `json:"ExitCode,omitempty"`
	Message         string  `json:"Message,omitempty"`
}

// Batch is the body of one stream push.
type Batch struct {
	Events []Event `json:"Events"`
}

// ParseBatch decodes a stream message.
func ParseBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("decode event batch: %w", err)
	}
	return b, nil
}

// PID returns the process id or zero when absent.
func (e Event) PID() uint32 {
	if e.ProcessID == nil {
		return 0
	}
	return *e.ProcessID
}

// Time converts the 100ns tick timestamp to wall time.
func (e Event) Time() time.Time {
	return TicksToTime(e.Timestamp)
}

// TicksToUnix converts device ticks to Unix seconds: ticks/1e7 - 11644473600.
func TicksToUnix(ticks uint64) float64 {
	return float64(ticks)/1e7 - epochShift
}

// TicksToTime converts device ticks to a time.Time in UTC.
func TicksToTime(ticks uint64) time.Time {
	secs := int64(ticks/1e7) - epochShift
	nsec := int64(ticks%1e7) * 100
	return time.Unix(secs, nsec).UTC()
}

// LevelName returns the display name of a level.
func LevelName(l int) string {
	switch l {
	case LevelCritical:
		return "Critical"
	case LevelError:
		return "Error"
	case LevelWarning:
		return "Warning"
	case LevelInformation:
		return "Information"
	case LevelVerbose:
		return "Verbose"
	default:
		return "Level" + strconv.Itoa(l)
	}
}

// ParseLevel accepts a level number or name.
func ParseLevel(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	for l := LevelCritical; l <= LevelVerbose; l++ {
		if strings.EqualFold(LevelName(l), s) {
			return l, nil
		}
	}
	switch strings.ToLower(s) {
	case "warn":
		return LevelWarning, nil
	case "info":
		return LevelInformation, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
