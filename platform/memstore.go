/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryAlertStore is a map backed AlertStore, used by tests and small
// deployments that do not need persistence.
type MemoryAlertStore struct {
	mtx    sync.RWMutex
	alerts map[string]*Alert // by id
	keys   map[string]string // alert key -> id
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		alerts: map[string]*Alert{},
		keys:   map[string]string{},
	}
}

func (ms *MemoryAlertStore) Get(ctx context.Context, typ, source, sourceRef string) (*Alert, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	id, ok := ms.keys[alertKey(typ, source, sourceRef)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAlert(ms.alerts[id]), nil
}

func (ms *MemoryAlertStore) Find(ctx context.Context, f AlertFilter) (r []*Alert, err error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	for _, a := range ms.alerts {
		if matchAlert(a, f) {
			r = append(r, cloneAlert(a))
		}
	}
	return
}

func (ms *MemoryAlertStore) MaxLastSync(ctx context.Context, typ, source string) (max int64, err error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	for _, a := range ms.alerts {
		if a.Type == typ && a.Source == source && a.LastSyncDate > max {
			max = a.LastSyncDate
		}
	}
	return
}

func (ms *MemoryAlertStore) Create(ctx context.Context, a *Alert) (*Alert, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	key := a.Key()
	if _, ok := ms.keys[key]; ok {
		return nil, fmt.Errorf("alert %s/%s: %w", a.Source, a.SourceRef, ErrExists)
	}
	v := cloneAlert(a)
	if v.ID == `` {
		v.ID = uuid.New().String()
	}
	ms.alerts[v.ID] = v
	ms.keys[key] = v.ID
	return cloneAlert(v), nil
}

func (ms *MemoryAlertStore) Update(ctx context.Context, a *Alert) (*Alert, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	old, ok := ms.alerts[a.ID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", a.ID, ErrNotFound)
	}
	delete(ms.keys, old.Key())
	v := cloneAlert(a)
	ms.alerts[v.ID] = v
	ms.keys[v.Key()] = v.ID
	return cloneAlert(v), nil
}

func matchAlert(a *Alert, f AlertFilter) bool {
	if f.Type != `` && a.Type != f.Type {
		return false
	}
	if f.Source != `` && a.Source != f.Source {
		return false
	}
	if f.SourceRef != `` && a.SourceRef != f.SourceRef {
		return false
	}
	if f.CaseID != `` && a.CaseID != f.CaseID {
		return false
	}
	if f.EmptyArtifacts && len(a.Artifacts) != 0 {
		return false
	}
	return true
}

func cloneAlert(a *Alert) *Alert {
	if a == nil {
		return nil
	}
	v := *a
	v.Tags = append([]string(nil), a.Tags...)
	v.Artifacts = cloneArtifacts(a.Artifacts)
	return &v
}

func cloneArtifacts(arts []Artifact) []Artifact {
	if arts == nil {
		return nil
	}
	out := make([]Artifact, len(arts))
	for i, art := range arts {
		out[i] = art
		out[i].Tags = append([]string(nil), art.Tags...)
		if art.Attachment != nil {
			att := *art.Attachment
			out[i].Attachment = &att
		}
		if art.Remote != nil {
			rem := *art.Remote
			out[i].Remote = &rem
		}
	}
	return out
}

// MemoryCaseStore is a map backed CaseStore.
type MemoryCaseStore struct {
	mtx   sync.RWMutex
	cases map[string]*Case
}

func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{cases: map[string]*Case{}}
}

// Put seeds a case, assigning an id when absent.
func (ms *MemoryCaseStore) Put(c *Case) *Case {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	v := *c
	if v.ID == `` {
		v.ID = uuid.New().String()
	}
	ms.cases[v.ID] = &v
	r := v
	return &r
}

func (ms *MemoryCaseStore) Get(ctx context.Context, id string) (*Case, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	c, ok := ms.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	v := *c
	return &v, nil
}

func (ms *MemoryCaseStore) Update(ctx context.Context, c *Case) (*Case, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.cases[c.ID]; !ok {
		return nil, fmt.Errorf("case %s: %w", c.ID, ErrNotFound)
	}
	v := *c
	ms.cases[v.ID] = &v
	r := v
	return &r, nil
}

// MemoryArtifactStore is a map backed ArtifactStore keyed by case id.
type MemoryArtifactStore struct {
	mtx    sync.RWMutex
	byCase map[string][]Artifact
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{byCase: map[string][]Artifact{}}
}

func (ms *MemoryArtifactStore) FindByCase(ctx context.Context, caseID string) ([]Artifact, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return cloneArtifacts(ms.byCase[caseID]), nil
}

func (ms *MemoryArtifactStore) Create(ctx context.Context, caseID string, arts []Artifact) ([]Artifact, error) {
	for _, a := range arts {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.byCase[caseID] = append(ms.byCase[caseID], cloneArtifacts(arts)...)
	return cloneArtifacts(arts), nil
}

// MemoryAttachmentStore hands out attachment bytes seeded via Put.
type MemoryAttachmentStore struct {
	mtx  sync.RWMutex
	data map[string][]byte
}

func NewMemoryAttachmentStore() *MemoryAttachmentStore {
	return &MemoryAttachmentStore{data: map[string][]byte{}}
}

func (ms *MemoryAttachmentStore) Put(id string, b []byte) {
	ms.mtx.Lock()
	ms.data[id] = append([]byte(nil), b...)
	ms.mtx.Unlock()
}

func (ms *MemoryAttachmentStore) Source(ctx context.Context, id string) (io.ReadCloser, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	b, ok := ms.data[id]
	if !ok {
		return nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
