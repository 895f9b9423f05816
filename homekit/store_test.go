package homekit

import (
	"errors"
	"testing"

	"github.com/brutella/hap"
	"github.com/kradalby/esphome-homekit/climate"
	"go.uber.org/zap"
)

type memKV struct {
	data   map[string][]byte
	setErr error
}

func (m *memKV) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func (m *memKV) Set(key string, value []byte) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func TestTargetStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := NewTargetStore(hap.NewFsStore(dir), zap.NewNop())
	if err != nil {
		t.Fatalf("NewTargetStore() error = %v", err)
	}

	if got := store.Get("living"); got != climate.ModeOff {
		t.Errorf("Get() on empty store = %v, want off", got)
	}

	if err := store.Set("living", climate.ModeCool); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Set("bedroom", climate.ModeAuto); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reopened, err := NewTargetStore(hap.NewFsStore(dir), zap.NewNop())
	if err != nil {
		t.Fatalf("NewTargetStore() error = %v", err)
	}
	if got := reopened.Get("living"); got != climate.ModeCool {
		t.Errorf("Get(living) = %v, want cool", got)
	}
	if got := reopened.Get("bedroom"); got != climate.ModeAuto {
		t.Errorf("Get(bedroom) = %v, want auto", got)
	}
}

func TestTargetStorePrune(t *testing.T) {
	kv := &memKV{data: map[string][]byte{
		targetStoreKey: []byte(`{"living":2,"garage":3}`),
	}}

	store, err := NewTargetStore(kv, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTargetStore() error = %v", err)
	}

	if err := store.Prune([]string{"living", "bedroom"}); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if got := store.Get("garage"); got != climate.ModeOff {
		t.Errorf("Get(garage) = %v after prune, want off", got)
	}
	if got := store.Get("living"); got != climate.ModeCool {
		t.Errorf("Get(living) = %v, want cool", got)
	}
	if got := string(kv.data[targetStoreKey]); got != `{"living":2}` {
		t.Errorf("stored = %s, want {\"living\":2}", got)
	}
}

func TestTargetStoreErrors(t *testing.T) {
	if _, err := NewTargetStore(nil, zap.NewNop()); err == nil {
		t.Error("NewTargetStore(nil) expected error")
	}

	kv := &memKV{data: map[string][]byte{targetStoreKey: []byte("not json")}}
	store, err := NewTargetStore(kv, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTargetStore() with corrupt data error = %v", err)
	}
	if got := store.Get("living"); got != climate.ModeOff {
		t.Errorf("Get() = %v, want off", got)
	}

	kv.setErr = errors.New("disk full")
	if err := store.Set("living", climate.ModeHeat); err == nil {
		t.Error("Set() expected error when the store fails")
	}
}
