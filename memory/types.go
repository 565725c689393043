package memory

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// PhaseStatus is the lifecycle state of a workflow phase.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhasePaused     PhaseStatus = "paused"
)

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

const (
	timestampLayout = "2006-01-02T15:04:05.000000"
	parseLayout     = "2006-01-02T15:04:05.999999999"
)

// Timestamp is a local wall-clock instant serialized as an ISO-8601 string
// without zone, with microsecond precision. The zero value encodes as null.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to the precision that survives a save/load cycle.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.Truncate(time.Microsecond)}
}

func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format(timestampLayout)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(ts.Format(timestampLayout))), nil
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	t, err := time.ParseInLocation(parseLayout, s, time.Local)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
	}
	ts.Time = t
	return nil
}

// PhaseProgress tracks one named stage of a multi-step workflow.
type PhaseProgress struct {
	PhaseName      string      `json:"phase_name"`
	Status         PhaseStatus `json:"status"`
	TotalSteps     int         `json:"total_steps"`
	CurrentStep    int         `json:"current_step"`
	StepsCompleted []string    `json:"steps_completed"`
	Errors         []string    `json:"errors"`
	StartedAt      Timestamp   `json:"started_at"`
	CompletedAt    Timestamp   `json:"completed_at"`
}

func newPhase(name string, totalSteps int) *PhaseProgress {
	return &PhaseProgress{
		PhaseName:      name,
		Status:         PhaseNotStarted,
		TotalSteps:     totalSteps,
		StepsCompleted: []string{},
		Errors:         []string{},
	}
}

func (p *PhaseProgress) clone() *PhaseProgress {
	c := *p
	c.StepsCompleted = append([]string(nil), p.StepsCompleted...)
	c.Errors = append([]string(nil), p.Errors...)
	return &c
}

// Message is one entry of the durable conversation log.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp Timestamp      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// ContextMessage is the windowed view of a Message handed to the model.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolExecution records one dispatched tool call.
type ToolExecution struct {
	ToolName        string         `json:"tool_name"`
	Timestamp       Timestamp      `json:"timestamp"`
	Status          string         `json:"status"`
	InputParams     map[string]any `json:"input_params"`
	Result          any            `json:"result"`
	Error           *string        `json:"error"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
}

// State is the durable per-session snapshot.
type State struct {
	SessionID string    `json:"session_id"`
	CreatedAt Timestamp `json:"created_at"`
	UpdatedAt Timestamp `json:"updated_at"`

	CurrentPhase string                    `json:"current_phase"`
	Phases       map[string]*PhaseProgress `json:"phases"`

	DiscoveredFiles map[string][]string `json:"discovered_files"`
	InferredSchemas map[string]any      `json:"inferred_schemas"`
	CreatedTables   []string            `json:"created_tables"`
	LoadedTables    map[string]int      `json:"loaded_tables"`

	InfrastructureReady bool     `json:"infrastructure_ready"`
	SchemasCreated      []string `json:"schemas_created"`
	FileFormatsCreated  []string `json:"file_formats_created"`

	LastError   *string `json:"last_error"`
	ErrorsCount int     `json:"errors_count"`

	DBTSourcesRegistered []string `json:"dbt_sources_registered"`
	DBTModelsCreated     []string `json:"dbt_models_created"`
}

// defaultPhases are the stages every new session starts with.
var defaultPhases = []struct {
	key   string
	name  string
	steps int
}{
	{"phase_0_infrastructure", "Infrastructure Setup", 9},
	{"phase_1_discovery", "File Discovery", 0},
	{"phase_2_tables", "Create Tables", 0},
	{"phase_3_load", "Load Data", 0},
	{"phase_4_validate", "Validate Data", 0},
}

func newState(id string, now Timestamp) *State {
	s := &State{
		SessionID:    id,
		CreatedAt:    now,
		UpdatedAt:    now,
		CurrentPhase: "Initialization",
		Phases:       make(map[string]*PhaseProgress, len(defaultPhases)),
	}
	for _, p := range defaultPhases {
		s.Phases[p.key] = newPhase(p.name, p.steps)
	}
	s.normalize()
	return s
}

// normalize replaces nil collections so the encoded form never carries
// null where a list or object is expected.
func (s *State) normalize() {
	if s.Phases == nil {
		s.Phases = map[string]*PhaseProgress{}
	}
	for k, p := range s.Phases {
		if p == nil {
			s.Phases[k] = newPhase(k, 0)
			continue
		}
		if p.StepsCompleted == nil {
			p.StepsCompleted = []string{}
		}
		if p.Errors == nil {
			p.Errors = []string{}
		}
	}
	if s.DiscoveredFiles == nil {
		s.DiscoveredFiles = map[string][]string{}
	}
	if s.InferredSchemas == nil {
		s.InferredSchemas = map[string]any{}
	}
	if s.LoadedTables == nil {
		s.LoadedTables = map[string]int{}
	}
	for _, l := range []*[]string{&s.CreatedTables, &s.SchemasCreated, &s.FileFormatsCreated, &s.DBTSourcesRegistered, &s.DBTModelsCreated} {
		if *l == nil {
			*l = []string{}
		}
	}
}

func (s *State) clone() State {
	c := *s
	c.Phases = make(map[string]*PhaseProgress, len(s.Phases))
	for k, p := range s.Phases {
		c.Phases[k] = p.clone()
	}
	c.DiscoveredFiles = make(map[string][]string, len(s.DiscoveredFiles))
	for k, v := range s.DiscoveredFiles {
		c.DiscoveredFiles[k] = append([]string(nil), v...)
	}
	c.InferredSchemas = make(map[string]any, len(s.InferredSchemas))
	for k, v := range s.InferredSchemas {
		c.InferredSchemas[k] = v
	}
	c.LoadedTables = make(map[string]int, len(s.LoadedTables))
	for k, v := range s.LoadedTables {
		c.LoadedTables[k] = v
	}
	c.CreatedTables = append([]string{}, s.CreatedTables...)
	c.SchemasCreated = append([]string{}, s.SchemasCreated...)
	c.FileFormatsCreated = append([]string{}, s.FileFormatsCreated...)
	c.DBTSourcesRegistered = append([]string{}, s.DBTSourcesRegistered...)
	c.DBTModelsCreated = append([]string{}, s.DBTModelsCreated...)
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	return c
}

// SessionSummary is the listing entry for one persisted session.
type SessionSummary struct {
	SessionID     string `json:"session_id"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	CurrentPhase  string `json:"current_phase"`
	ErrorsCount   int    `json:"errors_count"`
	TablesCreated int    `json:"tables_created"`
}

// PhaseSummary is the condensed progress of one phase.
type PhaseSummary struct {
	Status   PhaseStatus `json:"status"`
	Progress string      `json:"progress"`
}

// ProgressSummary condenses the session state for status displays.
type ProgressSummary struct {
	SessionID           string                  `json:"session_id"`
	CurrentPhase        string                  `json:"current_phase"`
	InfrastructureReady bool                    `json:"infrastructure_ready"`
	TablesCreated       int                     `json:"tables_created"`
	TablesLoaded        int                     `json:"tables_loaded"`
	TotalRowsLoaded     int                     `json:"total_rows_loaded"`
	SchemasCreated      int                     `json:"schemas_created"`
	FileFormatsCreated  int                     `json:"file_formats_created"`
	FilesDiscovered     int                     `json:"files_discovered"`
	ErrorsCount         int                     `json:"errors_count"`
	LastError           *string                 `json:"last_error"`
	Phases              map[string]PhaseSummary `json:"phases"`
}
