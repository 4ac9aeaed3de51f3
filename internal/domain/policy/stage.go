package policy

import "strings"

// Stage is a step in the fixed patient-processing sequence.
type Stage string

const (
	StageAwaiting  Stage = "awaiting"
	StageScheduled Stage = "scheduled"
	StageDrawn     Stage = "drawn"
	StageInTransit Stage = "in-transit"
	StageInLab     Stage = "in-lab"
	StageComplete  Stage = "complete"
)

// Stages is the forward sequence.
var Stages = []Stage{StageAwaiting, StageScheduled, StageDrawn, StageInTransit, StageInLab, StageComplete}

var legacyStages = map[string]Stage{
	"pending":    StageAwaiting,
	"waiting":    StageAwaiting,
	"in_transit": StageInTransit,
	"transit":    StageInTransit,
	"in_lab":     StageInLab,
	"lab":        StageInLab,
	"completed":  StageComplete,
	"done":       StageComplete,
}

// ParseStage accepts canonical stage names and the legacy spellings still
// stored by older clients.
func ParseStage(raw string) (Stage, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if Stage(s).Valid() {
		return Stage(s), true
	}
	if st, ok := legacyStages[s]; ok {
		return st, true
	}
	return "", false
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	return s.index() >= 0
}

func (s Stage) index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Before reports whether s comes earlier than o in the forward sequence.
func (s Stage) Before(o Stage) bool {
	return s.index() < o.index()
}
