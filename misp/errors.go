/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package misp

import (
	"errors"
	"fmt"

	"github.com/gravwell/mispsync/platform"
)

var (
	// ErrUnknownInstance is returned when an operation names a MISP
	// instance that is not configured.
	ErrUnknownInstance = errors.New("unknown MISP instance")
)

// FetchError is a MISP request that failed at the transport or HTTP layer.
type FetchError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: MISP returned HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Body)
}

// ParseError is a MISP response body that could not be decoded.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ExportError is a MISP rejection during case export, it carries the
// artifact that was being submitted.
type ExportError struct {
	Artifact platform.Artifact
	Message  string
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("failed to export artifact %s=%q: %s", e.Artifact.DataType, e.Artifact.Value(), e.Message)
}
