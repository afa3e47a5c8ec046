/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

func record(id string) *core.NodeRecord {
	return &core.NodeRecord{
		ID: id,
		Offering: core.InstanceOffering{
			Family: "m5", Size: "large", Arch: core.ArchAMD64, CapacityClass: core.CapacitySpot,
			CostWeight: 0.4, Capacity: core.Resources{MilliCPU: 2000, Memory: 8 << 30},
		},
		Rule:          "customSpot",
		LaunchedAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		CapacityClass: core.CapacitySpot,
		State:         core.NodeProvisioning,
	}
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nodes.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := s.Put(record("i-2")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := s.Put(record("i-1")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if _, err := s.Update("i-1", func(r *core.NodeRecord) error {
		r.NodeName = "ip-10-0-0-1"
		return r.Transition(core.NodeReady)
	}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	list := reopened.List()
	if len(list) != 2 || list[0].ID != "i-1" || list[1].ID != "i-2" {
		t.Fatalf("unexpected records after reopen: %+v", list)
	}
	if list[0].State != core.NodeReady || list[0].NodeName != "ip-10-0-0-1" {
		t.Errorf("update not persisted: %+v", list[0])
	}
	if !list[0].LaunchedAt.Equal(record("i-1").LaunchedAt) || list[0].Offering != record("i-1").Offering {
		t.Errorf("record fields not round-tripped: %+v", list[0])
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the state file, found %d entries", len(entries))
	}
}

func TestStoreUpdateRejectsIllegalTransition(t *testing.T) {
	s := NewMemory()
	if err := s.Put(record("i-1")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if _, err := s.Update("i-1", func(r *core.NodeRecord) error {
		r.NodeName = "changed"
		if err := r.Transition(core.NodeTerminated); err != nil {
			return err
		}
		return r.Transition(core.NodeReady)
	}); err == nil {
		t.Fatalf("expected Terminated -> Ready to fail")
	}
	got, _ := s.Get("i-1")
	if got.State != core.NodeProvisioning || got.NodeName != "" {
		t.Errorf("failed update must not be applied: %+v", got)
	}

	if _, err := s.Update("i-missing", func(*core.NodeRecord) error { return nil }); !errors.Is(err, core.ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewMemory()
	if err := s.Put(record("i-1")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	got, _ := s.Get("i-1")
	got.State = core.NodeDraining
	again, _ := s.Get("i-1")
	if again.State != core.NodeProvisioning {
		t.Errorf("mutating a returned record must not change the store")
	}
	if err := s.Put(record("i-1")); err == nil {
		t.Errorf("expected duplicate Put to fail")
	}
	if err := s.Delete("i-1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok := s.Get("i-1"); ok {
		t.Errorf("expected record to be deleted")
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected corrupt state file to be rejected")
	}
}
