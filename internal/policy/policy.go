// Package policy loads the external capability decision artifact.
//
// The artifact is advisory-in, mandatory-out: when POLICY_DECISION_PATH is
// unset there is no override, but once a path is configured any missing,
// unparseable or non-ok artifact denies extraction for every model.
package policy

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Decision statuses.
const (
	StatusAllow   = "allow"
	StatusDeny    = "deny"
	StatusUnknown = "unknown"
)

// Decision is the on-disk artifact shape.
type Decision struct {
	SchemaVersion  int     `json:"schema_version"`
	GeneratedAt    string  `json:"generated_at"`
	Policy         string  `json:"policy"`
	Status         string  `json:"status"`
	OK             bool    `json:"ok"`
	EnableExtract  bool    `json:"enable_extract"`
	ContractErrors int     `json:"contract_errors"`
	ModelID        string  `json:"model_id,omitempty"`
	EvalRunID      string  `json:"eval_run_id,omitempty"`
	EvalDataset    string  `json:"eval_dataset,omitempty"`
	ThresholdsPass *bool   `json:"thresholds_pass,omitempty"`
	ThresholdsName string  `json:"thresholds_name,omitempty"`
	Raw            []byte  `json:"-"`
	LoadError      string  `json:"-"`
	LoadedAt       time.Time `json:"-"`
}

// Snapshot is the effective override derived from one artifact read. A nil
// Snapshot means no path was configured and no override applies.
type Snapshot struct {
	// OK is false for any missing/unparseable/denying artifact.
	OK bool
	// EnableExtract is the override value merged onto per-model caps.
	EnableExtract bool
	// ModelID scopes the override; empty applies to every model.
	ModelID  string
	Decision *Decision
}

// Override returns the extract override for a model: (value, applies).
// A scoped decision does not apply to other models — unless the artifact
// failed to load, in which case the deny is global.
func (s *Snapshot) Override(modelID string) (bool, bool) {
	if s == nil {
		return false, false
	}
	if !s.OK {
		return false, true
	}
	if s.ModelID != "" && s.ModelID != modelID {
		return false, false
	}
	return s.EnableExtract, true
}

// Store holds the current snapshot behind an atomic pointer so request
// paths read without locks and reloads swap wholesale.
type Store struct {
	path   string
	logger *zap.Logger
	snap   atomic.Pointer[Snapshot]
}

// NewStore loads the initial snapshot. An empty path yields a store that
// always reports "no override".
func NewStore(path string, logger *zap.Logger) *Store {
	st := &Store{path: path, logger: logger}
	if path != "" {
		st.snap.Store(load(path, logger))
	}
	return st
}

// Current returns the active snapshot, nil when no path is configured.
func (st *Store) Current() *Snapshot {
	if st.path == "" {
		return nil
	}
	return st.snap.Load()
}

// Reload re-reads the artifact and swaps the snapshot.
func (st *Store) Reload() *Snapshot {
	if st.path == "" {
		return nil
	}
	snap := load(st.path, st.logger)
	st.snap.Store(snap)
	return snap
}

// Watch reloads the snapshot whenever the artifact changes on disk. It
// returns a stop function; watching is best-effort and a watcher error
// leaves the current snapshot in place.
func (st *Store) Watch() (stop func(), err error) {
	if st.path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(st.path); err != nil {
		watcher.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					snap := st.Reload()
					st.logger.Info("policy artifact reloaded",
						zap.String("path", st.path),
						zap.Bool("ok", snap.OK),
						zap.Bool("enable_extract", snap.EnableExtract))
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				st.logger.Warn("policy watcher error", zap.Error(werr))
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// load reads and evaluates the artifact, fail-closed.
func load(path string, logger *zap.Logger) *Snapshot {
	denied := func(reason string, dec *Decision) *Snapshot {
		logger.Warn("policy artifact denies extraction",
			zap.String("path", path), zap.String("reason", reason))
		if dec == nil {
			dec = &Decision{LoadError: reason, LoadedAt: time.Now().UTC()}
		}
		dec.LoadError = reason
		return &Snapshot{OK: false, EnableExtract: false, Decision: dec}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return denied("artifact unreadable: "+err.Error(), nil)
	}

	var dec Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return denied("artifact is not valid JSON: "+err.Error(), nil)
	}
	dec.Raw = raw
	dec.LoadedAt = time.Now().UTC()

	switch {
	case dec.ContractErrors > 0:
		return denied("contract errors present", &dec)
	case dec.Status == StatusDeny || dec.Status == StatusUnknown:
		return denied("status is "+dec.Status, &dec)
	case !dec.OK:
		return denied("artifact not ok", &dec)
	}

	return &Snapshot{
		OK:            true,
		EnableExtract: dec.EnableExtract,
		ModelID:       dec.ModelID,
		Decision:      &dec,
	}
}
