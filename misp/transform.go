/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package misp

import (
	"strings"
	"time"

	"github.com/gravwell/mispsync/platform"
)

// NoSince disables attribute date filtering in Transformer.Artifacts.
const NoSince int64 = -1

const (
	noType  = `noType`
	noValue = `noValue`
)

// tlpByTag maps consumed tlp tags to TLP levels.
var tlpByTag = map[string]int{
	`tlp:white`: platform.TLPWhite,
	`tlp:green`: platform.TLPGreen,
	`tlp:amber`: platform.TLPAmber,
	`tlp:red`:   platform.TLPRed,
}

// Transformer converts MISP attributes into platform artifacts for one
// instance.
type Transformer struct {
	inst InstanceConfig
}

func NewTransformer(inst InstanceConfig) *Transformer {
	return &Transformer{inst: inst}
}

// Artifacts converts one attribute into zero or more artifacts. Attributes
// whose update time is at or before since are dropped, as are deleted
// attributes. Composite types (e.g. filename|md5) expand into one artifact
// per fragment, each annotated with the full composite context.
func (t *Transformer) Artifacts(attr Attribute, since int64) []platform.Artifact {
	if since != NoSince && attr.Timestamp <= since {
		return nil
	}
	if attr.Deleted {
		return nil
	}
	start := time.Unix(attr.Timestamp, 0)

	if attr.Type == `attachment` || attr.Type == `malware-sample` {
		a := platform.NewRemoteArtifact(attr.Value, attr.ID, attr.Type)
		a.Message = attr.Comment
		a.StartDate = start
		a.Tags, a.TLP = t.artifactTags(attr, attr.Type)
		return []platform.Artifact{a}
	}

	if strings.Contains(attr.Type, `|`) {
		return t.compositeArtifacts(attr, start)
	}

	a := platform.NewDataArtifact(DataTypeFor(attr.Type), attr.Value)
	a.Message = attr.Comment
	a.StartDate = start
	a.Tags, a.TLP = t.artifactTags(attr, attr.Type)
	return []platform.Artifact{a}
}

// compositeArtifacts splits type and value pairwise on '|', padding the
// shorter side, and emits one artifact per pair. Every fragment's message
// carries the summary of all pairs so no fragment loses its context.
func (t *Transformer) compositeArtifacts(attr Attribute, start time.Time) (out []platform.Artifact) {
	types := strings.Split(attr.Type, `|`)
	values := strings.Split(attr.Value, `|`)
	n := len(types)
	if len(values) > n {
		n = len(values)
	}
	lines := make([]string, n)
	for i := 0; i < n; i++ {
		lines[i] = fragAt(types, i, noType) + `: ` + fragAt(values, i, noValue)
	}
	msg := strings.Join(lines, "\n")
	if attr.Comment != `` {
		msg = attr.Comment + "\n" + msg
	}
	for i := 0; i < n; i++ {
		tpe := fragAt(types, i, noType)
		a := platform.NewDataArtifact(DataTypeFor(tpe), fragAt(values, i, noValue))
		a.Message = msg
		a.StartDate = start
		a.Tags, a.TLP = t.artifactTags(attr, tpe)
		out = append(out, a)
	}
	return
}

func fragAt(ss []string, i int, def string) string {
	if i < len(ss) {
		return ss[i]
	}
	return def
}

// artifactTags merges the source tag, the instance artifact tags, the
// attribute tags, and the synthesized MISP type/category tags. tlp:* tags
// are consumed into the TLP level rather than kept.
func (t *Transformer) artifactTags(attr Attribute, mispType string) (tags []string, tlp int) {
	tlp = platform.TLPAmber
	merged := make([]string, 0, len(t.inst.ArtifactTags)+len(attr.Tags)+3)
	merged = append(merged, `src:`+t.inst.Name)
	merged = append(merged, t.inst.ArtifactTags...)
	merged = append(merged, attr.Tags...)
	merged = append(merged, `MISP:type=`+mispType, `MISP:category=`+attr.Category)
	for _, tag := range merged {
		if lvl, ok := tlpByTag[strings.ToLower(tag)]; ok {
			tlp = lvl
			continue
		}
		tags = append(tags, tag)
	}
	return
}
