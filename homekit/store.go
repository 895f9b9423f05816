package homekit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kradalby/esphome-homekit/climate"
	"go.uber.org/zap"
)

// targetStoreKey is the HAP store key holding remembered modes.
const targetStoreKey = "esphome-homekit.last-target"

// KV is the subset of hap.Store used for persistence.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// TargetStore persists the last AUTO/HEAT/COOL mode of every accessory so
// that a bare "turn on" survives restarts.
type TargetStore struct {
	kv     KV
	logger *zap.Logger

	mu      sync.Mutex
	targets map[string]climate.Mode
}

// NewTargetStore loads remembered modes from kv. A missing or unreadable
// entry starts empty.
func NewTargetStore(kv KV, logger *zap.Logger) (*TargetStore, error) {
	if kv == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &TargetStore{
		kv:      kv,
		logger:  logger,
		targets: make(map[string]climate.Mode),
	}

	data, err := kv.Get(targetStoreKey)
	if err != nil {
		logger.Debug("no remembered target states", zap.Error(err))
		return s, nil
	}
	if err := json.Unmarshal(data, &s.targets); err != nil {
		logger.Warn("discarding unreadable target states", zap.Error(err))
		s.targets = make(map[string]climate.Mode)
	}

	return s, nil
}

// Get returns the remembered mode for id, or climate.ModeOff.
func (s *TargetStore) Get(id string) climate.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[id]
}

// Set remembers mode for id.
func (s *TargetStore) Set(id string, mode climate.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.targets[id] == mode {
		return nil
	}
	s.targets[id] = mode
	return s.saveLocked()
}

// Prune forgets every id not in keep.
func (s *TargetStore) Prune(keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(keep))
	for _, id := range keep {
		known[id] = true
	}

	removed := 0
	for id := range s.targets {
		if !known[id] {
			delete(s.targets, id)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}

	s.logger.Info("removed target states of unconfigured accessories", zap.Int("count", removed))
	return s.saveLocked()
}

func (s *TargetStore) saveLocked() error {
	data, err := json.Marshal(s.targets)
	if err != nil {
		return fmt.Errorf("failed to encode target states: %w", err)
	}
	if err := s.kv.Set(targetStoreKey, data); err != nil {
		return fmt.Errorf("failed to store target states: %w", err)
	}
	return nil
}
