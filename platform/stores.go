/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package platform

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// AlertFilter selects alerts in Find calls. Zero valued members are not
// applied.
type AlertFilter struct {
	Type      string
	Source    string
	SourceRef string
	CaseID    string

	// EmptyArtifacts restricts the result to alerts whose artifact list
	// is empty.
	EmptyArtifacts bool
}

// AlertStore is the platform contract for alert persistence. All
// implementations must be safe for concurrent use.
type AlertStore interface {
	// Get returns the single alert identified by (type, source, sourceRef)
	// or ErrNotFound.
	Get(ctx context.Context, typ, source, sourceRef string) (*Alert, error)
	Find(ctx context.Context, f AlertFilter) ([]*Alert, error)
	// MaxLastSync returns the maximum lastSyncDate over alerts matching
	// (type, source), zero when no alerts match.
	MaxLastSync(ctx context.Context, typ, source string) (int64, error)
	Create(ctx context.Context, a *Alert) (*Alert, error)
	Update(ctx context.Context, a *Alert) (*Alert, error)
}

// CaseStore is the platform contract for case persistence.
type CaseStore interface {
	Get(ctx context.Context, id string) (*Case, error)
	Update(ctx context.Context, c *Case) (*Case, error)
}

// ArtifactStore is the platform contract for case observables.
type ArtifactStore interface {
	FindByCase(ctx context.Context, caseID string) ([]Artifact, error)
	Create(ctx context.Context, caseID string, arts []Artifact) ([]Artifact, error)
}

// AttachmentStore hands out the bytes of stored attachments.
type AttachmentStore interface {
	Source(ctx context.Context, id string) (io.ReadCloser, error)
}
