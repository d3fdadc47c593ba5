/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gravwell/gcfg"
)

const (
	maxConfigSize int64  = 4 * 1024 * 1024 // this is a MASSIVE config file
	confExt       string = `.conf`
)

var (
	ErrConfigFileTooLarge = errors.New("Config file is too large")
	ErrFailedFileRead     = errors.New("Failed to read entire config file")
	ErrIsNotDirectory     = errors.New("path is not a directory")
)

// LoadConfigFile opens a config file, checks the file size,
// and loads the bytes using LoadConfigBytes.
func LoadConfigFile(v interface{}, p string) (err error) {
	var fin *os.File
	var fi os.FileInfo
	var n int64
	if fin, err = os.Open(p); err != nil {
		return
	} else if fi, err = fin.Stat(); err != nil {
		fin.Close()
		return
	} else if fi.Size() > maxConfigSize {
		fin.Close()
		err = ErrConfigFileTooLarge
		return
	}

	bb := bytes.NewBuffer(nil)
	if n, err = io.Copy(bb, fin); err != nil {
		fin.Close()
		return
	} else if n != fi.Size() {
		fin.Close()
		err = ErrFailedFileRead
	} else if err = fin.Close(); err == nil {
		err = LoadConfigBytes(v, bb.Bytes())
	}
	return
}

// LoadConfigOverlays scans the given directory path for files that end in
// .conf, if they exist they are loaded over the interface in lexical order.
func LoadConfigOverlays(v interface{}, pth string) (err error) {
	if pth == `` || v == nil {
		return //just leave
	}
	var fi os.FileInfo
	if fi, err = os.Stat(pth); err != nil {
		if os.IsNotExist(err) {
			err = nil //not a problem, move on
		}
		return
	} else if !fi.IsDir() {
		err = ErrIsNotDirectory
		return
	}

	var dents []os.DirEntry
	if dents, err = os.ReadDir(pth); err != nil {
		return
	}
	for _, dent := range dents {
		if !dent.Type().IsRegular() {
			continue
		} else if filepath.Ext(dent.Name()) != confExt {
			continue
		}
		p := filepath.Join(pth, dent.Name())
		if err = LoadConfigFile(v, p); err != nil {
			err = fmt.Errorf("failed to load %q %w", p, err)
			return
		}
	}
	return
}

// LoadConfigBytes parses the contents of b into the given interface v.
func LoadConfigBytes(v interface{}, b []byte) error {
	if int64(len(b)) > maxConfigSize {
		return ErrConfigFileTooLarge
	}
	return gcfg.ReadStringInto(v, string(b))
}
