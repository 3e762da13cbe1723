package broadcast

import (
	"fmt"
	"strings"
)

// Mode is the delivery guarantee of a broadcast
type Mode int

const (
	ModeBestEffort Mode = iota
	ModeReliable
	ModeGuaranteed
)

var modes = [...]struct {
	name    string
	retry   bool // retry failed pushes with backoff
	persist bool // store in each target tenant's replay buffer
}{
	ModeBestEffort: {name: "best_effort"},
	ModeReliable:   {name: "reliable", retry: true},
	ModeGuaranteed: {name: "guaranteed", retry: true, persist: true},
}

func (m Mode) valid() bool {
	return m >= ModeBestEffort && int(m) < len(modes)
}

func (m Mode) String() string {
	if !m.valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modes[m].name
}

func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeBestEffort, nil
	}
	for m, def := range modes {
		if def.name == s {
			return Mode(m), nil
		}
	}
	return ModeBestEffort, fmt.Errorf("unknown delivery mode %q", s)
}
