package tasks

import (
	"fmt"
	"strings"
)

type typeKind uint8

const (
	kindUnknown typeKind = iota
	kindSecurityAnalysis
	kindVulnerabilityScanning
	kindCodeAnalysis
	kindDataProcessing
	kindNetworkMonitoring
	kindFileSystemOperation
	kindWebScraping
	kindEmailProcessing
	kindScheduledTask
	kindGeneralComputation
	kindCustom
)

var kindNames = map[typeKind]string{
	kindSecurityAnalysis:      "SecurityAnalysis",
	kindVulnerabilityScanning: "VulnerabilityScanning",
	kindCodeAnalysis:          "CodeAnalysis",
	kindDataProcessing:        "DataProcessing",
	kindNetworkMonitoring:     "NetworkMonitoring",
	kindFileSystemOperation:   "FileSystemOperation",
	kindWebScraping:           "WebScraping",
	kindEmailProcessing:       "EmailProcessing",
	kindScheduledTask:         "ScheduledTask",
	kindGeneralComputation:    "GeneralComputation",
}

// TaskType is a task category: one of the known variants, or a Custom
// type carrying its own label. TaskType is comparable and can be used as
// a map key. The zero value is invalid.
type TaskType struct {
	kind  typeKind
	label string
}

// Known task types.
var (
	SecurityAnalysis      = TaskType{kind: kindSecurityAnalysis}
	VulnerabilityScanning = TaskType{kind: kindVulnerabilityScanning}
	CodeAnalysis          = TaskType{kind: kindCodeAnalysis}
	DataProcessing        = TaskType{kind: kindDataProcessing}
	NetworkMonitoring     = TaskType{kind: kindNetworkMonitoring}
	FileSystemOperation   = TaskType{kind: kindFileSystemOperation}
	WebScraping           = TaskType{kind: kindWebScraping}
	EmailProcessing       = TaskType{kind: kindEmailProcessing}
	ScheduledTask         = TaskType{kind: kindScheduledTask}
	GeneralComputation    = TaskType{kind: kindGeneralComputation}
)

// Custom returns an open-ended task type identified by label.
func Custom(label string) TaskType {
	return TaskType{kind: kindCustom, label: label}
}

// KnownTypes returns every non-custom task type.
func KnownTypes() []TaskType {
	return []TaskType{
		SecurityAnalysis, VulnerabilityScanning, CodeAnalysis, DataProcessing,
		NetworkMonitoring, FileSystemOperation, WebScraping, EmailProcessing,
		ScheduledTask, GeneralComputation,
	}
}

// IsCustom reports whether t is a Custom type.
func (t TaskType) IsCustom() bool { return t.kind == kindCustom }

// Label returns the label of a Custom type, or "".
func (t TaskType) Label() string { return t.label }

// Valid reports whether t is a known type or a Custom type with a label.
func (t TaskType) Valid() bool {
	if t.kind == kindCustom {
		return strings.TrimSpace(t.label) != ""
	}
	_, ok := kindNames[t.kind]
	return ok
}

// String renders known types by name and custom types as Custom(label).
func (t TaskType) String() string {
	if t.kind == kindCustom {
		return "Custom(" + t.label + ")"
	}
	if name, ok := kindNames[t.kind]; ok {
		return name
	}
	return "Unknown"
}

// ParseTaskType is the inverse of String. Bare unknown names are rejected;
// use the Custom(label) form for open-ended types.
func ParseTaskType(s string) (TaskType, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "Custom(") && strings.HasSuffix(s, ")") {
		t := Custom(s[len("Custom(") : len(s)-1])
		if !t.Valid() {
			return TaskType{}, fmt.Errorf("custom task type needs a label")
		}
		return t, nil
	}
	for kind, name := range kindNames {
		if name == s {
			return TaskType{kind: kind}, nil
		}
	}
	return TaskType{}, fmt.Errorf("unknown task type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t TaskType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid task type")
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TaskType) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Complexity grades how heavy a task is expected to be.
type Complexity int

const (
	Trivial Complexity = iota
	Simple
	Moderate
	Complex
	Intensive
)

var complexityNames = []string{"Trivial", "Simple", "Moderate", "Complex", "Intensive"}

func (c Complexity) String() string {
	if c < Trivial || c > Intensive {
		return "Unknown"
	}
	return complexityNames[c]
}

// ShouldDelegate reports whether work of this complexity is worth
// auctioning to the swarm rather than handling inline.
func (c Complexity) ShouldDelegate() bool {
	return c == Complex || c == Intensive
}

// MarshalText implements encoding.TextMarshaler.
func (c Complexity) MarshalText() ([]byte, error) {
	if c < Trivial || c > Intensive {
		return nil, fmt.Errorf("invalid complexity %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Complexity) UnmarshalText(text []byte) error {
	for i, name := range complexityNames {
		if strings.EqualFold(name, string(text)) {
			*c = Complexity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown complexity %q", text)
}
