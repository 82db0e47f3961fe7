package log

import (
	"fmt"
	"strings"
)

// Level orders log entries by severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelFatal entries exit the process after being written
	LevelFatal
	// LevelOff disables all output
	LevelOff
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL", "OFF"}

func (l Level) String() string {
	if l >= LevelDebug && l <= LevelOff {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a level name such as "debug" or "WARN" to a Level.
// An empty name is LevelInfo.
func ParseLevel(name string) (Level, error) {
	switch n := strings.ToUpper(strings.TrimSpace(name)); n {
	case "":
		return LevelInfo, nil
	case "WARNING":
		return LevelWarn, nil
	case "NONE":
		return LevelOff, nil
	default:
		for i, known := range levelNames {
			if n == known {
				return Level(i), nil
			}
		}
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}
