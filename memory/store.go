// Package memory owns the durable per-session state of the agent: the full
// conversation log, the phase/progress snapshot and the tool execution log.
// Every mutation rewrites the affected session file.
package memory

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/martinemde/dacli/logger"
)

// ErrInvalidSessionID is returned for ids that cannot be used as file names.
var ErrInvalidSessionID = errors.New("invalid session id")

const (
	DefaultStatePath   = ".dacli/state/"
	DefaultHistoryPath = ".dacli/history/"
	DefaultWindow      = 10

	sessionIDLayout = "20060102_150405"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidSessionID reports whether id is safe to embed in a file name.
func ValidSessionID(id string) bool {
	return len(id) <= 128 && sessionIDPattern.MatchString(id)
}

// Store is the memory/state store of one session. It is safe to read from
// other goroutines, but a session must be driven by one writer at a time.
type Store struct {
	mu sync.Mutex

	fs          afero.Fs
	statePath   string
	historyPath string
	window      int
	now         func() time.Time
	log         logger.Logger

	sessionID   string
	messages    []Message
	toolHistory []ToolExecution
	state       *State
}

// Option configures a Store.
type Option func(*Store)

// WithFs sets the filesystem the store persists to. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) { s.fs = fs }
}

// WithSessionID pins the session id instead of deriving it from the clock.
func WithSessionID(id string) Option {
	return func(s *Store) { s.sessionID = id }
}

// WithWindow sets how many recent messages the working context keeps.
func WithWindow(n int) Option {
	return func(s *Store) { s.window = n }
}

// WithPaths sets the state and history directories. Empty values keep the defaults.
func WithPaths(statePath, historyPath string) Option {
	return func(s *Store) {
		if statePath != "" {
			s.statePath = statePath
		}
		if historyPath != "" {
			s.historyPath = historyPath
		}
	}
}

// WithClock replaces time.Now for timestamps and generated session ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for skipped session files.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a store and ensures its directories exist.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		fs:          afero.NewOsFs(),
		statePath:   DefaultStatePath,
		historyPath: DefaultHistoryPath,
		window:      DefaultWindow,
		now:         time.Now,
		log:         logger.GetDefault(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.window < 1 {
		return nil, fmt.Errorf("memory window must be at least 1, got %d", s.window)
	}
	if s.sessionID != "" && !ValidSessionID(s.sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, s.sessionID)
	}
	for _, dir := range []string{s.statePath, s.historyPath} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) stamp() Timestamp {
	return NewTimestamp(s.now())
}

// SessionID returns the current session id, deriving it from the clock on
// first access.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionIDLocked()
}

func (s *Store) sessionIDLocked() string {
	if s.sessionID == "" {
		s.sessionID = s.now().Format(sessionIDLayout)
	}
	return s.sessionID
}

func (s *Store) stateLocked() *State {
	if s.state == nil {
		s.state = newState(s.sessionIDLocked(), s.stamp())
	}
	return s.state
}

// Window returns the configured context window size.
func (s *Store) Window() int {
	return s.window
}

// State returns a copy of the session state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked().clone()
}

// ========================
// Messages
// ========================

// AddMessage appends a message to the durable log and rewrites the history file.
func (s *Store) AddMessage(role Role, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.messages = append(s.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: s.stamp(),
		Metadata:  metadata,
	})
	return s.saveHistoryLocked()
}

func (s *Store) AddUserMessage(content string) error {
	return s.AddMessage(RoleUser, content, nil)
}

func (s *Store) AddAssistantMessage(content string) error {
	return s.AddMessage(RoleAssistant, content, nil)
}

// AddToolResult stores a tool outcome as a tool-role message.
func (s *Store) AddToolResult(toolName string, result any, errText string) error {
	var e any
	if errText != "" {
		e = errText
	}
	return s.AddMessage(RoleTool, fmt.Sprint(result), map[string]any{
		"tool_name": toolName,
		"error":     e,
	})
}

// ContextMessages returns the last Window messages, oldest first.
func (s *Store) ContextMessages() []ContextMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := max(len(s.messages)-s.window, 0)
	out := make([]ContextMessage, 0, len(s.messages)-start)
	for _, m := range s.messages[start:] {
		out = append(out, ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// FullHistory returns a copy of every message of the session.
func (s *Store) FullHistory() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// ClearMessages starts a new conversation within the same session.
func (s *Store) ClearMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return s.saveHistoryLocked()
}

// ========================
// Tool executions
// ========================

// LogToolExecution appends exec to the tool log and snapshots the state.
// A missing timestamp is filled in and a missing status is derived from
// the presence of an error.
func (s *Store) LogToolExecution(exec ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.Timestamp.IsZero() {
		exec.Timestamp = s.stamp()
	}
	if exec.Status == "" {
		exec.Status = "success"
		if exec.Error != nil {
			exec.Status = "error"
		}
	}
	if exec.InputParams == nil {
		exec.InputParams = map[string]any{}
	}
	s.toolHistory = append(s.toolHistory, exec)
	s.stateLocked().UpdatedAt = s.stamp()
	return s.saveStateLocked()
}

// ToolHistory returns the tool log, filtered to toolName when non-empty.
func (s *Store) ToolHistory(toolName string) []ToolExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if toolName == "" {
		return slices.Clone(s.toolHistory)
	}
	var out []ToolExecution
	for _, t := range s.toolHistory {
		if t.ToolName == toolName {
			out = append(out, t)
		}
	}
	return out
}

// ========================
// Phases and entities
// ========================

// PhaseUpdate carries the optional changes applied by UpdatePhase. Zero
// fields are left untouched.
type PhaseUpdate struct {
	Status        PhaseStatus
	CurrentStep   *int
	StepCompleted string
	Error         string
}

// UpdatePhase applies upd to the phase identified by key, creating the
// phase on first reference.
func (s *Store) UpdatePhase(key string, upd PhaseUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked()
	phase, ok := st.Phases[key]
	if !ok {
		phase = newPhase(key, 0)
		st.Phases[key] = phase
	}
	now := s.stamp()

	if upd.Status != "" {
		phase.Status = upd.Status
		switch upd.Status {
		case PhaseInProgress:
			if phase.StartedAt.IsZero() {
				phase.StartedAt = now
			}
		case PhaseCompleted:
			phase.CompletedAt = now
		}
	}
	if upd.CurrentStep != nil {
		phase.CurrentStep = *upd.CurrentStep
	}
	if upd.StepCompleted != "" && !slices.Contains(phase.StepsCompleted, upd.StepCompleted) {
		phase.StepsCompleted = append(phase.StepsCompleted, upd.StepCompleted)
	}
	if upd.Error != "" {
		phase.Errors = append(phase.Errors, upd.Error)
		e := upd.Error
		st.LastError = &e
		st.ErrorsCount++
	}
	st.UpdatedAt = now
	return s.saveStateLocked()
}

// mutate applies fn to the state and snapshots it.
func (s *Store) mutate(fn func(st *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked()
	fn(st)
	st.UpdatedAt = s.stamp()
	return s.saveStateLocked()
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func (s *Store) SetCurrentPhase(phase string) error {
	return s.mutate(func(st *State) { st.CurrentPhase = phase })
}

// AddDiscoveredFile records a file found under source, once.
func (s *Store) AddDiscoveredFile(source, filename string) error {
	return s.mutate(func(st *State) {
		st.DiscoveredFiles[source] = appendUnique(st.DiscoveredFiles[source], filename)
	})
}

func (s *Store) AddInferredSchema(filename string, schema any) error {
	return s.mutate(func(st *State) { st.InferredSchemas[filename] = schema })
}

func (s *Store) AddCreatedTable(table string) error {
	return s.mutate(func(st *State) { st.CreatedTables = appendUnique(st.CreatedTables, table) })
}

// AddLoadedTable records the row count loaded into table, replacing any
// previous count for it.
func (s *Store) AddLoadedTable(table string, rows int) error {
	return s.mutate(func(st *State) { st.LoadedTables[table] = rows })
}

func (s *Store) SetInfrastructureReady() error {
	return s.mutate(func(st *State) { st.InfrastructureReady = true })
}

func (s *Store) AddCreatedSchema(schema string) error {
	return s.mutate(func(st *State) { st.SchemasCreated = appendUnique(st.SchemasCreated, schema) })
}

func (s *Store) AddCreatedFileFormat(format string) error {
	return s.mutate(func(st *State) { st.FileFormatsCreated = appendUnique(st.FileFormatsCreated, format) })
}

func (s *Store) RegisterDBTSource(source string) error {
	return s.mutate(func(st *State) { st.DBTSourcesRegistered = appendUnique(st.DBTSourcesRegistered, source) })
}

func (s *Store) AddDBTModel(model string) error {
	return s.mutate(func(st *State) { st.DBTModelsCreated = appendUnique(st.DBTModelsCreated, model) })
}

// ========================
// Summaries
// ========================

// ProgressSummary condenses the current state.
func (s *Store) ProgressSummary() ProgressSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked()

	sum := ProgressSummary{
		SessionID:           st.SessionID,
		CurrentPhase:        st.CurrentPhase,
		InfrastructureReady: st.InfrastructureReady,
		TablesCreated:       len(st.CreatedTables),
		TablesLoaded:        len(st.LoadedTables),
		SchemasCreated:      len(st.SchemasCreated),
		FileFormatsCreated:  len(st.FileFormatsCreated),
		ErrorsCount:         st.ErrorsCount,
		LastError:           st.LastError,
		Phases:              make(map[string]PhaseSummary, len(st.Phases)),
	}
	for _, rows := range st.LoadedTables {
		sum.TotalRowsLoaded += rows
	}
	for _, files := range st.DiscoveredFiles {
		sum.FilesDiscovered += len(files)
	}
	for k, p := range st.Phases {
		sum.Phases[k] = PhaseSummary{
			Status:   p.Status,
			Progress: fmt.Sprintf("%d / %d", p.CurrentStep, p.TotalSteps),
		}
	}
	return sum
}
