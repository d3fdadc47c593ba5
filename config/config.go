/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config handles the MISP connector configuration file. The file is
// an INI style config with a [Global] section and one [MISP "name"] section
// per remote MISP instance:
//
//	[Global]
//	Sync-Interval=1h
//	Case-Template=misp
//	State-Store-Location=/opt/gravwell/etc/misp_connector.db
//
//	[MISP "demo"]
//	URL=https://misp.example.com
//	API-Key=deadbeef
//	Tags=infra
//	Tags=externally-sourced
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultSyncInterval  = time.Hour
	defaultLogLevel      = `INFO`
	defaultRateLimit     = 120 // requests per minute
	defaultMaxRetries    = 3
	defaultStateStoreLoc = `/opt/gravwell/etc/misp_connector.db`
)

var (
	ErrNoInstances = errors.New("no MISP instances specified")
)

type Global struct {
	Sync_Interval        string
	Case_Template        string
	Tags                 []string
	State_Store_Location string
	Log_Level            string
	Log_File             string
}

type InstanceConf struct {
	URL                      string
	API_Key                  string
	Tags                     []string
	Case_Template            string
	Request_Timeout          string
	Rate_Limit               int // requests per minute, 0 means default
	Max_Retries              int
	Insecure_Skip_TLS_Verify bool
}

type Config struct {
	Global Global
	MISP   map[string]*InstanceConf
}

// InstanceDef is the verified, defaulted view of one [MISP "name"] section.
type InstanceDef struct {
	Name                  string
	URL                   string
	APIKey                string
	CaseTemplate          string
	Tags                  []string
	Timeout               time.Duration
	RateLimit             int
	MaxRetries            int
	InsecureSkipTLSVerify bool
}

// GetConfig loads the config file at path plus any overlay directory and
// verifies the result.
func GetConfig(path, overlayPath string) (*Config, error) {
	var c Config
	if err := LoadConfigFile(&c, path); err != nil {
		return nil, err
	} else if err = LoadConfigOverlays(&c, overlayPath); err != nil {
		return nil, err
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Verify() error {
	if c.Global.Log_Level == `` {
		c.Global.Log_Level = defaultLogLevel
	}
	if c.Global.State_Store_Location == `` {
		c.Global.State_Store_Location = defaultStateStoreLoc
	}
	if c.Global.Sync_Interval != `` {
		if d, err := time.ParseDuration(c.Global.Sync_Interval); err != nil {
			return fmt.Errorf("invalid Sync-Interval %q: %w", c.Global.Sync_Interval, err)
		} else if d <= 0 {
			return fmt.Errorf("Sync-Interval %q must be positive", c.Global.Sync_Interval)
		}
	}
	if len(c.MISP) == 0 {
		return ErrNoInstances
	}
	for k, v := range c.MISP {
		if v == nil {
			return fmt.Errorf("MISP instance %q config is nil", k)
		}
		if v.URL == `` {
			return fmt.Errorf("MISP instance %q: URL not specified", k)
		}
		u, err := url.Parse(v.URL)
		if err != nil {
			return fmt.Errorf("MISP instance %q: invalid URL: %w", k, err)
		}
		if u.Scheme != `http` && u.Scheme != `https` {
			return fmt.Errorf("MISP instance %q: URL scheme must be http or https", k)
		}
		if v.API_Key == `` {
			return fmt.Errorf("MISP instance %q: API-Key not specified", k)
		}
		if v.Request_Timeout != `` {
			if d, err := time.ParseDuration(v.Request_Timeout); err != nil || d < 0 {
				return fmt.Errorf("MISP instance %q: invalid Request-Timeout %q", k, v.Request_Timeout)
			}
		}
		if v.Rate_Limit < 0 {
			return fmt.Errorf("MISP instance %q: Rate-Limit must not be negative", k)
		}
		if v.Max_Retries < 0 {
			return fmt.Errorf("MISP instance %q: Max-Retries must not be negative", k)
		}
	}
	return nil
}

// SyncInterval returns the configured synchronization period, one hour if
// unset.
func (c *Config) SyncInterval() time.Duration {
	if c.Global.Sync_Interval == `` {
		return defaultSyncInterval
	}
	d, err := time.ParseDuration(c.Global.Sync_Interval)
	if err != nil || d <= 0 {
		return defaultSyncInterval
	}
	return d
}

// LogLevel returns the configured log level, INFO if unset.
func (c *Config) LogLevel() string {
	if c.Global.Log_Level == `` {
		return defaultLogLevel
	}
	return c.Global.Log_Level
}

// TempStoreLocation returns the scratch directory for downloaded
// attachments, kept next to the state store.
func (c *Config) TempStoreLocation() string {
	loc := c.Global.State_Store_Location
	if loc == `` {
		loc = defaultStateStoreLoc
	}
	return filepath.Join(filepath.Dir(loc), `misp_tmp`)
}

// Instances returns the verified instance definitions with global defaults
// applied, sorted by name so startup logs are stable.
func (c *Config) Instances() []InstanceDef {
	defs := make([]InstanceDef, 0, len(c.MISP))
	for k, v := range c.MISP {
		def := InstanceDef{
			Name:                  k,
			URL:                   strings.TrimRight(v.URL, `/`),
			APIKey:                v.API_Key,
			CaseTemplate:          v.Case_Template,
			Tags:                  v.Tags,
			RateLimit:             v.Rate_Limit,
			MaxRetries:            v.Max_Retries,
			InsecureSkipTLSVerify: v.Insecure_Skip_TLS_Verify,
		}
		if def.CaseTemplate == `` {
			def.CaseTemplate = c.Global.Case_Template
		}
		if len(def.Tags) == 0 {
			def.Tags = c.Global.Tags
		}
		if v.Request_Timeout != `` {
			def.Timeout, _ = time.ParseDuration(v.Request_Timeout)
		}
		if def.RateLimit == 0 {
			def.RateLimit = defaultRateLimit
		}
		if def.MaxRetries == 0 {
			def.MaxRetries = defaultMaxRetries
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
