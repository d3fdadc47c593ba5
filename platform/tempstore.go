/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempStore owns every temporary file the connector creates during a
// synchronization cycle. ReleaseAll sweeps the whole directory, so files
// orphaned by a crash are still reclaimed on the next cycle boundary.
type TempStore struct {
	mtx sync.Mutex
	dir string
}

// NewTempStore creates the backing directory if needed. The directory must
// be dedicated to the store, everything in it is fair game for ReleaseAll.
func NewTempStore(dir string) (*TempStore, error) {
	if dir == `` {
		return nil, fmt.Errorf("invalid temp store directory")
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, err
	}
	return &TempStore{dir: dir}, nil
}

// NewTemporaryFile allocates a fresh file named after the prefix and a
// sanitized form of name.
func (ts *TempStore) NewTemporaryFile(prefix, name string) (*os.File, error) {
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	fname := prefix + `_` + uuid.New().String()
	if s := sanitizeName(name); s != `` {
		fname += `_` + s
	}
	return os.OpenFile(filepath.Join(ts.dir, fname), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0660)
}

// Dir returns the backing directory.
func (ts *TempStore) Dir() string {
	return ts.dir
}

// ReleaseAll removes every file in the store directory.
func (ts *TempStore) ReleaseAll() (err error) {
	ts.mtx.Lock()
	defer ts.mtx.Unlock()
	dents, lerr := os.ReadDir(ts.dir)
	if lerr != nil {
		return lerr
	}
	for _, dent := range dents {
		if !dent.Type().IsRegular() {
			continue
		}
		if lerr := os.Remove(filepath.Join(ts.dir, dent.Name())); lerr != nil {
			err = lerr
		}
	}
	return
}

// sanitizeName strips path separators and control characters so remote
// supplied filenames cannot escape the store directory.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, `/`))
	if name == `.` || name == `/` {
		return ``
	}
	var sb strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
