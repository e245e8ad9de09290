package event

import (
	"strings"
	"time"
)

// Kind identifies what changed in the archive.
type Kind int

const (
	KindUnknown Kind = iota
	KindCompletedSeries
	KindDeleted
	KindNewChildInstance
	KindNewInstance
	KindNewPatient
	KindNewSeries
	KindNewStudy
	KindStablePatient
	KindStableSeries
	KindStableStudy
	KindOrthancStarted
	KindOrthancStopped
	KindUpdatedAttachment
	KindUpdatedMetadata
	KindUpdatedPeers
	KindUpdatedConfiguration
	KindUpdatedDicomModalities
	KindJobSubmitted
	KindJobSuccess
	KindJobFailure
)

var kindNames = map[Kind]string{
	KindCompletedSeries:        "CompletedSeries",
	KindDeleted:                "Deleted",
	KindNewChildInstance:       "NewChildInstance",
	KindNewInstance:            "NewInstance",
	KindNewPatient:             "NewPatient",
	KindNewSeries:              "NewSeries",
	KindNewStudy:               "NewStudy",
	KindStablePatient:          "StablePatient",
	KindStableSeries:           "StableSeries",
	KindStableStudy:            "StableStudy",
	KindOrthancStarted:         "OrthancStarted",
	KindOrthancStopped:         "OrthancStopped",
	KindUpdatedAttachment:      "UpdatedAttachment",
	KindUpdatedMetadata:        "UpdatedMetadata",
	KindUpdatedPeers:           "UpdatedPeers",
	KindUpdatedConfiguration:   "UpdatedConfiguration",
	KindUpdatedDicomModalities: "UpdatedDicomModalities",
	KindJobSubmitted:           "JobSubmitted",
	KindJobSuccess:             "JobSuccess",
	KindJobFailure:             "JobFailure",
}

// String returns the archive's canonical label, e.g. "StableStudy".
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// ParseKind maps a change label to a Kind. Matching ignores case and the
// separators used by other spellings ("stable_study", "STABLE-STUDY").
// Unrecognized labels return KindUnknown and false.
func ParseKind(s string) (Kind, bool) {
	norm := normalizeLabel(s)
	if norm == "" {
		return KindUnknown, false
	}
	for k, name := range kindNames {
		if strings.ToLower(name) == norm {
			return k, true
		}
	}
	return KindUnknown, false
}

// Level is the resource granularity an event applies to.
type Level int

const (
	LevelUnknown Level = iota
	LevelInstance
	LevelSeries
	LevelStudy
	LevelPatient
	LevelSystem
)

var levelNames = map[Level]string{
	LevelInstance: "Instance",
	LevelSeries:   "Series",
	LevelStudy:    "Study",
	LevelPatient:  "Patient",
	LevelSystem:   "System",
}

// String returns the canonical resource type label, e.g. "Study".
func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "Unknown"
}

// ParseLevel maps a resource type label to a Level. Plural REST segments
// ("studies", "instances") are accepted as well.
func ParseLevel(s string) (Level, bool) {
	norm := normalizeLabel(s)
	switch norm {
	case "instance", "instances":
		return LevelInstance, true
	case "series":
		return LevelSeries, true
	case "study", "studies":
		return LevelStudy, true
	case "patient", "patients":
		return LevelPatient, true
	case "system":
		return LevelSystem, true
	}
	return LevelUnknown, false
}

// ImpliedLevel is the resource level a change type always applies to,
// or LevelUnknown for kinds that carry no fixed level (Deleted, jobs,
// configuration updates).
func (k Kind) ImpliedLevel() Level {
	switch k {
	case KindNewInstance, KindNewChildInstance:
		return LevelInstance
	case KindNewSeries, KindStableSeries, KindCompletedSeries:
		return LevelSeries
	case KindNewStudy, KindStableStudy:
		return LevelStudy
	case KindNewPatient, KindStablePatient:
		return LevelPatient
	case KindOrthancStarted, KindOrthancStopped:
		return LevelSystem
	}
	return LevelUnknown
}

func normalizeLabel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
	return strings.ToLower(s)
}

// Event is a single lifecycle notification emitted by the archive.
// Handlers must treat it as read-only.
type Event struct {
	Kind       Kind
	Level      Level
	ResourceID string
	// Seq and Date are host metadata when the source provides them.
	Seq  int64
	Date time.Time
}

// Handler receives events. It is invoked on the source's own goroutine.
type Handler func(Event)

// Source is the port through which the archive delivers lifecycle events.
type Source interface {
	Subscribe(h Handler)
}
