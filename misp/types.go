/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package misp speaks the MISP REST API: wire types, the per-instance
// client, the attribute taxonomy, and the attribute to artifact
// transformation.
//
// MISP encodes most numbers as JSON strings and nests payloads under
// shifting envelope shapes depending on server version, so parsing here is
// deliberately tolerant: numeric fields accept both forms and malformed
// list elements are skipped rather than failing the batch.
package misp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gravwell/jsonparser"
)

const defaultThreatLevel = 2

// InstanceConfig is the immutable description of one configured MISP
// instance.
type InstanceConfig struct {
	Name                  string
	URL                   string
	APIKey                string
	CaseTemplate          string
	ArtifactTags          []string
	Timeout               time.Duration
	RateLimit             int // requests per minute
	MaxRetries            int
	InsecureSkipTLSVerify bool
}

// EventSummary is the header of a remote event as seen in the event index.
type EventSummary struct {
	Source           string // instance name
	SourceRef        string // remote event id
	Info             string
	ThreatLevel      int
	Date             string
	PublishTimestamp int64 // seconds since epoch
	Tags             []string
}

// Attribute is one attribute of a remote event.
type Attribute struct {
	ID        string
	EventID   string
	Type      string
	Category  string
	Value     string
	Comment   string
	Timestamp int64 // attribute update time, seconds since epoch
	Tags      []string
	Deleted   bool
}

// ParseEventIndex decodes the body of an events/index response. Elements
// that fail to decode are skipped and counted rather than failing the
// whole index.
func ParseEventIndex(body []byte) (evs []EventSummary, raw int, err error) {
	_, aerr := jsonparser.ArrayEach(body, func(v []byte, dt jsonparser.ValueType, off int, lerr error) {
		raw++
		if lerr != nil || dt != jsonparser.Object {
			return
		}
		if ev, perr := parseEventSummary(v); perr == nil {
			evs = append(evs, ev)
		}
	})
	if aerr != nil {
		err = &ParseError{What: `event index`, Err: aerr}
	}
	return
}

func parseEventSummary(data []byte) (ev EventSummary, err error) {
	if ev.SourceRef, err = getFlexString(data, `id`); err != nil {
		err = &ParseError{What: `event id`, Err: err}
		return
	}
	ev.Info, _ = jsonparser.GetString(data, `info`)
	ev.Date, _ = jsonparser.GetString(data, `date`)
	if v, lerr := getFlexInt(data, `threat_level_id`); lerr == nil {
		ev.ThreatLevel = int(v)
	} else {
		ev.ThreatLevel = defaultThreatLevel
	}
	if ev.PublishTimestamp, err = getFlexInt(data, `publish_timestamp`); err != nil {
		err = &ParseError{What: `event publish_timestamp`, Err: err}
		return
	}
	ev.Tags = parseTagNames(data, `EventTag`)
	return
}

// ParseAttributeSearch decodes the body of an attributes/restSearch
// response, flattening the Attribute arrays wherever the envelope nests
// them. Elements that fail to decode are skipped and counted.
func ParseAttributeSearch(body []byte) (attrs []Attribute, skipped int, err error) {
	add := func(v []byte, dt jsonparser.ValueType, off int, lerr error) {
		if lerr != nil || dt != jsonparser.Object {
			skipped++
			return
		}
		if a, perr := parseAttribute(v); perr == nil {
			attrs = append(attrs, a)
		} else {
			skipped++
		}
	}
	// common shape: {"response": {"Attribute": [...]}}
	if _, aerr := jsonparser.ArrayEach(body, add, `response`, `Attribute`); aerr == nil {
		return
	}
	// nested shape: {"response": [{"Attribute": [...]}, ...]}
	_, aerr := jsonparser.ArrayEach(body, func(v []byte, dt jsonparser.ValueType, off int, lerr error) {
		if lerr != nil || dt != jsonparser.Object {
			return
		}
		jsonparser.ArrayEach(v, add, `Attribute`)
	}, `response`)
	if aerr != nil {
		err = &ParseError{What: `attribute search response`, Err: aerr}
	}
	return
}

func parseAttribute(data []byte) (a Attribute, err error) {
	if a.ID, err = getFlexString(data, `id`); err != nil {
		err = &ParseError{What: `attribute id`, Err: err}
		return
	}
	if a.Type, err = jsonparser.GetString(data, `type`); err != nil {
		err = &ParseError{What: `attribute type`, Err: err}
		return
	}
	if a.Value, err = jsonparser.GetString(data, `value`); err != nil {
		err = &ParseError{What: `attribute value`, Err: err}
		return
	}
	a.EventID, _ = getFlexString(data, `event_id`)
	a.Category, _ = jsonparser.GetString(data, `category`)
	a.Comment, _ = jsonparser.GetString(data, `comment`)
	a.Timestamp, _ = getFlexInt(data, `timestamp`)
	a.Deleted = getFlexBool(data, `deleted`)
	a.Tags = parseTagNames(data, `Tag`)
	return
}

// parseTagNames pulls tag names out of either the EventTag wrapper form
// ([{"Tag": {"name": ...}}]) or the flat form ([{"name": ...}]).
func parseTagNames(data []byte, key string) (tags []string) {
	jsonparser.ArrayEach(data, func(v []byte, dt jsonparser.ValueType, off int, lerr error) {
		if lerr != nil || dt != jsonparser.Object {
			return
		}
		if name, err := jsonparser.GetString(v, `Tag`, `name`); err == nil {
			tags = append(tags, name)
		} else if name, err = jsonparser.GetString(v, `name`); err == nil {
			tags = append(tags, name)
		}
	}, key)
	return
}

// getFlexString accepts both string and number encodings.
func getFlexString(data []byte, keys ...string) (string, error) {
	v, dt, _, err := jsonparser.Get(data, keys...)
	if err != nil {
		return ``, err
	}
	switch dt {
	case jsonparser.String:
		return jsonparser.ParseString(v)
	case jsonparser.Number:
		return string(v), nil
	}
	return ``, fmt.Errorf("unexpected type %v", dt)
}

// getFlexInt accepts both string and number encodings.
func getFlexInt(data []byte, keys ...string) (int64, error) {
	s, err := getFlexString(data, keys...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func getFlexBool(data []byte, keys ...string) bool {
	v, dt, _, err := jsonparser.Get(data, keys...)
	if err != nil {
		return false
	}
	switch dt {
	case jsonparser.Boolean:
		b, _ := jsonparser.ParseBoolean(v)
		return b
	case jsonparser.String, jsonparser.Number:
		b, _ := strconv.ParseBool(string(v))
		return b
	}
	return false
}
