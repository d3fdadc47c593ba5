/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package platform holds the case management side of the connector: alerts,
// cases, artifacts, the store contracts the connector requires of its host
// platform, and in-memory plus bbolt-backed implementations of those
// contracts.
package platform

import (
	"errors"
	"fmt"
	"time"
)

const (
	// AlertTypeMisp is the alert type for every alert the connector owns.
	AlertTypeMisp = `misp`

	// TLP values, white through red.
	TLPWhite = 0
	TLPGreen = 1
	TLPAmber = 2
	TLPRed   = 3
)

type AlertStatus string

const (
	StatusNew      AlertStatus = `New`
	StatusUpdated  AlertStatus = `Updated`
	StatusImported AlertStatus = `Imported`
	StatusIgnored  AlertStatus = `Ignored`
)

var (
	ErrInvalidArtifact = errors.New("artifact must carry exactly one of data, attachment, or remote attachment")
)

// Attachment is a file stored on the local platform, either by path or by
// an attachment store id.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// RemoteAttachment references a binary payload still held by a remote MISP
// instance; it is materialized on demand when an alert is promoted.
type RemoteAttachment struct {
	Filename  string `json:"filename"`
	Reference string `json:"reference"`
	Type      string `json:"type"`
}

// Artifact is one observable attached to an alert or case. Exactly one of
// Data, Attachment, or Remote is set.
type Artifact struct {
	DataType   string            `json:"dataType"`
	Data       string            `json:"data,omitempty"`
	Attachment *Attachment       `json:"attachment,omitempty"`
	Remote     *RemoteAttachment `json:"remoteAttachment,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	TLP        int               `json:"tlp"`
	Message    string            `json:"message,omitempty"`
	StartDate  time.Time         `json:"startDate"`
}

// NewDataArtifact builds an inline observable.
func NewDataArtifact(dataType, data string) Artifact {
	return Artifact{DataType: dataType, Data: data, TLP: TLPAmber, StartDate: time.Now()}
}

// NewFileArtifact builds a file observable backed by a local attachment.
func NewFileArtifact(dataType string, att Attachment) Artifact {
	return Artifact{DataType: dataType, Attachment: &att, TLP: TLPAmber, StartDate: time.Now()}
}

// NewRemoteArtifact builds a file observable still resident on a MISP
// instance.
func NewRemoteArtifact(filename, reference, mispType string) Artifact {
	return Artifact{
		DataType:  `file`,
		Remote:    &RemoteAttachment{Filename: filename, Reference: reference, Type: mispType},
		TLP:       TLPAmber,
		StartDate: time.Now(),
	}
}

// Validate enforces the tagged-union invariant.
func (a Artifact) Validate() error {
	n := 0
	if a.Data != `` {
		n++
	}
	if a.Attachment != nil {
		n++
	}
	if a.Remote != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: dataType %q", ErrInvalidArtifact, a.DataType)
	}
	return nil
}

// Value returns the identity string of the artifact: the inline data, or
// the filename for file backed artifacts.
func (a Artifact) Value() string {
	if a.Data != `` {
		return a.Data
	}
	if a.Attachment != nil {
		return a.Attachment.Name
	}
	if a.Remote != nil {
		return a.Remote.Filename
	}
	return ``
}

// HasTag reports whether the artifact carries the given tag.
func (a Artifact) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Alert is the platform record tracking one remote MISP event. The triple
// (Type, Source, SourceRef) is unique.
type Alert struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Source       string      `json:"source"`
	SourceRef    string      `json:"sourceRef"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Severity     int         `json:"severity"`
	Date         time.Time   `json:"date"`
	LastSyncDate int64       `json:"lastSyncDate"` // seconds since epoch
	Status       AlertStatus `json:"status"`
	Follow       bool        `json:"follow"`
	CaseTemplate string      `json:"caseTemplate,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Artifacts    []Artifact  `json:"artifacts"`
	CaseID       string      `json:"caze,omitempty"`
}

// Key returns the unique lookup key of the alert.
func (a *Alert) Key() string {
	return alertKey(a.Type, a.Source, a.SourceRef)
}

func alertKey(typ, source, sourceRef string) string {
	return typ + "\x00" + source + "\x00" + sourceRef
}

// Case is an investigation, optionally opened from an alert.
type Case struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Severity    int       `json:"severity"`
	StartDate   time.Time `json:"startDate"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags,omitempty"`
}
