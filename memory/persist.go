package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// stateFile is the on-disk layout of the state snapshot: the state plus the
// tool execution log.
type stateFile struct {
	State
	ToolHistory []ToolExecution `json:"tool_history"`
}

func (s *Store) stateFileFor(id string) string {
	return filepath.Join(s.statePath, "state_"+id+".json")
}

func (s *Store) historyFileFor(id string) string {
	return filepath.Join(s.historyPath, "history_"+id+".json")
}

func (s *Store) saveStateLocked() error {
	st := s.stateLocked()
	history := s.toolHistory
	if history == nil {
		history = []ToolExecution{}
	}
	return writeJSONAtomic(s.fs, s.stateFileFor(st.SessionID), stateFile{State: *st, ToolHistory: history})
}

func (s *Store) saveHistoryLocked() error {
	msgs := s.messages
	if msgs == nil {
		msgs = []Message{}
	}
	return writeJSONAtomic(s.fs, s.historyFileFor(s.sessionIDLocked()), msgs)
}

// Save writes both session files.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveStateLocked(); err != nil {
		return err
	}
	return s.saveHistoryLocked()
}

// writeJSONAtomic writes v to a temp file in the target directory and
// renames it over path.
func writeJSONAtomic(fsys afero.Fs, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := afero.TempFile(fsys, filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("memory: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fsys.Remove(tmpName)
		return fmt.Errorf("memory: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = fsys.Remove(tmpName)
		return fmt.Errorf("memory: write %s: %w", filepath.Base(path), err)
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		_ = fsys.Remove(tmpName)
		return fmt.Errorf("memory: commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ListSessions scans the state directory and returns one summary per
// readable snapshot, most recently updated first.
func (s *Store) ListSessions() ([]SessionSummary, error) {
	matches, err := afero.Glob(s.fs, filepath.Join(s.statePath, "state_*.json"))
	if err != nil {
		return nil, fmt.Errorf("memory: list sessions: %w", err)
	}
	sessions := make([]SessionSummary, 0, len(matches))
	for _, path := range matches {
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			s.log.Debug("Skipping unreadable session", "path", path, "error", err)
			continue
		}
		var raw struct {
			SessionID     string   `json:"session_id"`
			CreatedAt     string   `json:"created_at"`
			UpdatedAt     string   `json:"updated_at"`
			CurrentPhase  string   `json:"current_phase"`
			ErrorsCount   int      `json:"errors_count"`
			CreatedTables []string `json:"created_tables"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			s.log.Debug("Skipping malformed session", "path", path, "error", err)
			continue
		}
		sessions = append(sessions, SessionSummary{
			SessionID:     raw.SessionID,
			CreatedAt:     raw.CreatedAt,
			UpdatedAt:     raw.UpdatedAt,
			CurrentPhase:  raw.CurrentPhase,
			ErrorsCount:   raw.ErrorsCount,
			TablesCreated: len(raw.CreatedTables),
		})
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions, nil
}

// LoadSession replaces the in-memory session with the persisted one. It
// returns false without error when no state file exists for id. The
// history file is optional. Nothing is replaced unless both files decode.
func (s *Store) LoadSession(id string) (bool, error) {
	if !ValidSessionID(id) {
		return false, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.stateFileFor(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory: read state %s: %w", id, err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return false, fmt.Errorf("memory: decode state %s: %w", id, err)
	}
	if sf.SessionID != id {
		return false, fmt.Errorf("memory: state file for %s holds session %q", id, sf.SessionID)
	}

	var messages []Message
	hdata, err := afero.ReadFile(s.fs, s.historyFileFor(id))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return false, fmt.Errorf("memory: read history %s: %w", id, err)
	default:
		if err := json.Unmarshal(hdata, &messages); err != nil {
			return false, fmt.Errorf("memory: decode history %s: %w", id, err)
		}
	}
	for i := range messages {
		if messages[i].Metadata == nil {
			messages[i].Metadata = map[string]any{}
		}
	}

	st := sf.State
	st.normalize()
	s.state = &st
	s.toolHistory = sf.ToolHistory
	s.messages = messages
	s.sessionID = id
	return true, nil
}

// ExportState returns the state snapshot as indented JSON, without the
// tool execution log.
func (s *Store) ExportState() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(s.stateLocked(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("memory: export state: %w", err)
	}
	return string(data), nil
}
