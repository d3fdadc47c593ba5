/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravwell/mispsync/log"
	"github.com/gravwell/mispsync/misp"
	"github.com/gravwell/mispsync/platform"
	"github.com/yeka/zip"
)

// fakeMISP is a canned MISP server good enough for the connector's wire
// usage: event index, attribute search, event creation, attribute add,
// sample upload, and attribute download.
type fakeMISP struct {
	srv *httptest.Server

	mtx        sync.Mutex
	eventIndex string            // JSON array body for events/index
	attrs      map[string]string // event id -> restSearch body
	createResp string
	files      map[string][]byte // attribute id -> download payload
	fail       bool              // respond 500 to everything
	failAttrs  map[string]bool   // event id -> 500 on restSearch

	lastIndexSince int64
	lastAttrSince  int64
	attrCalls      int
	createReqs     []misp.EventPayload
	added          map[string][]misp.ExportAttribute
	uploads        []misp.UploadSampleRequest
}

func newFakeMISP(t *testing.T) *fakeMISP {
	f := &fakeMISP{
		eventIndex: `[]`,
		attrs:      map[string]string{},
		files:      map[string][]byte{},
		failAttrs:  map[string]bool{},
		added:      map[string][]misp.ExportAttribute{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMISP) handle(w http.ResponseWriter, r *http.Request) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	switch {
	case r.URL.Path == `/events/index`:
		var req map[string]int64
		json.NewDecoder(r.Body).Decode(&req)
		f.lastIndexSince = req[`searchpublish_timestamp`]
		io.WriteString(w, f.eventIndex)
	case r.URL.Path == `/attributes/restSearch/json`:
		var req struct {
			Request struct {
				Timestamp int64  `json:"timestamp"`
				EventID   string `json:"eventid"`
			} `json:"request"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.attrCalls++
		f.lastAttrSince = req.Request.Timestamp
		if f.failAttrs[req.Request.EventID] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, ok := f.attrs[req.Request.EventID]
		if !ok {
			body = `{"response": {"Attribute": []}}`
		}
		io.WriteString(w, body)
	case r.URL.Path == `/events`:
		var req map[string]misp.EventPayload
		json.NewDecoder(r.Body).Decode(&req)
		f.createReqs = append(f.createReqs, req[`Event`])
		io.WriteString(w, f.createResp)
	case strings.HasPrefix(r.URL.Path, `/attributes/add/`):
		id := strings.TrimPrefix(r.URL.Path, `/attributes/add/`)
		var attr misp.ExportAttribute
		json.NewDecoder(r.Body).Decode(&attr)
		f.added[id] = append(f.added[id], attr)
		io.WriteString(w, `{"Attribute": {}}`)
	case r.URL.Path == `/events/upload_sample`:
		var req misp.UploadSampleRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.uploads = append(f.uploads, req)
		io.WriteString(w, `{"name": "Success"}`)
	case strings.HasPrefix(r.URL.Path, `/attributes/download/`):
		id := strings.TrimPrefix(r.URL.Path, `/attributes/download/`)
		b, ok := f.files[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set(`Content-Disposition`, fmt.Sprintf("attachment; filename=%q", id+`.bin`))
		w.Write(b)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeMISP) instance(name string) misp.InstanceConfig {
	return misp.InstanceConfig{
		Name:      name,
		URL:       f.srv.URL,
		APIKey:    `k`,
		RateLimit: 100000,
	}
}

type syncEnv struct {
	reg    *misp.Registry
	alerts *platform.MemoryAlertStore
	cases  *platform.MemoryCaseStore
	arts   *platform.MemoryArtifactStore
	temp   *platform.TempStore
	sync   *Synchronizer
}

func newSyncEnv(t *testing.T, insts ...misp.InstanceConfig) *syncEnv {
	t.Helper()
	temp, err := platform.NewTempStore(filepath.Join(t.TempDir(), `tmp`))
	if err != nil {
		t.Fatal(err)
	}
	lg := log.NewDiscardLogger()
	env := &syncEnv{
		reg:    misp.NewRegistry(insts),
		alerts: platform.NewMemoryAlertStore(),
		cases:  platform.NewMemoryCaseStore(),
		arts:   platform.NewMemoryArtifactStore(),
		temp:   temp,
	}
	env.sync = NewSynchronizer(env.reg, env.alerts, env.cases, env.arts,
		misp.NewAttachmentHandler(temp, lg), lg)
	return env
}

func TestSynchronizeCreatesAlert(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "phishing wave", "date": "2024-02-03",
		"threat_level_id": "1", "publish_timestamp": "1700000100",
		"EventTag": [{"Tag": {"name": "osint"}}]}]`
	f.attrs[`42`] = `{"response": {"Attribute": [
		{"id": "1", "type": "ip-dst", "category": "Network activity",
		 "value": "10.0.0.1", "timestamp": "1700000050"},
		{"id": "2", "type": "filename|md5", "category": "Payload delivery",
		 "value": "a.exe|` + strings.Repeat(`b`, 32) + `", "timestamp": "1700000060"}
	]}}`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	outcomes := env.sync.Synchronize(context.Background())
	if len(outcomes) != 1 || outcomes[0].Err != nil || !outcomes[0].Created {
		t.Fatalf("outcomes %+v", outcomes)
	}
	if f.lastIndexSince != 0 {
		t.Fatalf("index since %d, want 0", f.lastIndexSince)
	}

	a, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`)
	if err != nil {
		t.Fatal(err)
	}
	if a.Title != `phishing wave` || a.Status != platform.StatusNew || !a.Follow {
		t.Fatalf("alert %+v", a)
	}
	if a.Severity != 3 {
		t.Fatalf("severity %d, want 3", a.Severity)
	}
	if a.LastSyncDate != 1700000100 {
		t.Fatalf("lastSyncDate %d", a.LastSyncDate)
	}
	if len(a.Tags) != 2 || a.Tags[0] != `src:ALPHA` || a.Tags[1] != `osint` {
		t.Fatalf("tags %v", a.Tags)
	}
	if len(a.Artifacts) != 3 { // ip + two composite fragments
		t.Fatalf("artifact count %d: %+v", len(a.Artifacts), a.Artifacts)
	}

	wm, err := env.alerts.MaxLastSync(context.Background(), platform.AlertTypeMisp, `ALPHA`)
	if err != nil || wm != 1700000100 {
		t.Fatalf("watermark %d %v", wm, err)
	}
}

func TestSynchronizeIncrementalUpdate(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "phishing wave", "publish_timestamp": 1700000200}]`
	f.attrs[`42`] = `{"response": {"Attribute": [
		{"id": "1", "type": "ip-dst", "value": "10.0.0.1", "timestamp": 1699999999},
		{"id": "5", "type": "domain", "category": "Network activity",
		 "value": "evil.example.com", "timestamp": 1700000150}
	]}}`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	caze := env.cases.Put(&platform.Case{Title: `investigation`, Status: `Resolved`})
	seed := platform.NewDataArtifact(`ip`, `10.0.0.1`)
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `ALPHA`, SourceRef: `42`,
		Status: platform.StatusImported, Follow: true,
		LastSyncDate: 1700000000, CaseID: caze.ID,
		Artifacts: []platform.Artifact{seed},
	}); err != nil {
		t.Fatal(err)
	}

	outcomes := env.sync.Synchronize(context.Background())
	if len(outcomes) != 1 || outcomes[0].Err != nil || !outcomes[0].Updated {
		t.Fatalf("outcomes %+v", outcomes)
	}
	if f.lastIndexSince != 1700000000 {
		t.Fatalf("index since %d", f.lastIndexSince)
	}
	if f.lastAttrSince != 1700000000 {
		t.Fatalf("attribute since %d", f.lastAttrSince)
	}

	a, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != platform.StatusUpdated {
		t.Fatalf("status %s, want Updated", a.Status)
	}
	if a.LastSyncDate != 1700000200 {
		t.Fatalf("lastSyncDate %d", a.LastSyncDate)
	}
	if len(a.Artifacts) != 2 {
		t.Fatalf("artifact count %d", len(a.Artifacts))
	}

	// the linked case got the new observable and was reopened
	cArts, err := env.arts.FindByCase(context.Background(), caze.ID)
	if err != nil || len(cArts) != 1 || cArts[0].Data != `evil.example.com` {
		t.Fatalf("case artifacts %+v %v", cArts, err)
	}
	c, err := env.cases.Get(context.Background(), caze.ID)
	if err != nil || c.Status != caseStatusOpen {
		t.Fatalf("case %+v %v", c, err)
	}
}

func TestSynchronizeFollowDisabled(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "x", "publish_timestamp": 1700000200}]`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `ALPHA`, SourceRef: `42`,
		Status: platform.StatusImported, Follow: false, LastSyncDate: 100,
	}); err != nil {
		t.Fatal(err)
	}

	outcomes := env.sync.Synchronize(context.Background())
	if len(outcomes) != 1 || outcomes[0].Err != nil || outcomes[0].Updated || outcomes[0].Created {
		t.Fatalf("outcomes %+v", outcomes)
	}
	if f.attrCalls != 0 {
		t.Fatalf("attributes fetched for unfollowed alert")
	}
	a, _ := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`)
	if a.Status != platform.StatusImported || a.LastSyncDate != 100 {
		t.Fatalf("unfollowed alert was touched: %+v", a)
	}
}

func TestFullSynchronizeKeepsStatus(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "x", "publish_timestamp": 1700000200}]`
	f.attrs[`42`] = `{"response": {"Attribute": [
		{"id": "1", "type": "domain", "value": "a.example.com", "timestamp": 5}
	]}}`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `ALPHA`, SourceRef: `42`,
		Status: platform.StatusImported, Follow: true, LastSyncDate: 1700000000,
	}); err != nil {
		t.Fatal(err)
	}

	outcomes := env.sync.FullSynchronize(context.Background())
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes %+v", outcomes)
	}
	if f.lastIndexSince != 0 || f.lastAttrSince != 0 {
		t.Fatalf("full sync filtered by date: index=%d attr=%d", f.lastIndexSince, f.lastAttrSince)
	}
	a, _ := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`)
	if a.Status != platform.StatusImported {
		t.Fatalf("full sync changed status to %s", a.Status)
	}
	if len(a.Artifacts) != 1 {
		t.Fatalf("artifact count %d", len(a.Artifacts))
	}
}

func TestFullSynchronizeUpdatesUnfollowed(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "x", "publish_timestamp": 1700000200}]`
	f.attrs[`42`] = `{"response": {"Attribute": [
		{"id": "1", "type": "domain", "value": "a.example.com", "timestamp": 5}
	]}}`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `ALPHA`, SourceRef: `42`,
		Status: platform.StatusImported, Follow: false, LastSyncDate: 100,
	}); err != nil {
		t.Fatal(err)
	}

	outcomes := env.sync.FullSynchronize(context.Background())
	if len(outcomes) != 1 || outcomes[0].Err != nil || !outcomes[0].Updated {
		t.Fatalf("outcomes %+v", outcomes)
	}
	a, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Artifacts) != 1 || a.LastSyncDate != 1700000200 {
		t.Fatalf("full sync did not update the unfollowed alert: %+v", a)
	}
	if a.Status != platform.StatusImported || a.Follow {
		t.Fatalf("full sync changed status or follow: %+v", a)
	}
}

func TestSynchronizeMergesCaseWithoutNewArtifacts(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "x", "threat_level_id": 1, "publish_timestamp": 1700000200}]`
	f.attrs[`42`] = `{"response": {"Attribute": [
		{"id": "1", "type": "ip-dst", "value": "10.0.0.1", "timestamp": 1700000150}
	]}}`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	caze := env.cases.Put(&platform.Case{Title: `investigation`, Severity: 1, Status: `Resolved`})
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `ALPHA`, SourceRef: `42`,
		Status: platform.StatusImported, Follow: true,
		LastSyncDate: 1700000000, CaseID: caze.ID,
		Artifacts:    []platform.Artifact{platform.NewDataArtifact(`ip`, `10.0.0.1`)},
	}); err != nil {
		t.Fatal(err)
	}

	outcomes := env.sync.Synchronize(context.Background())
	if len(outcomes) != 1 || outcomes[0].Err != nil || !outcomes[0].Updated {
		t.Fatalf("outcomes %+v", outcomes)
	}
	// the only attribute was already known, so nothing lands in the case...
	cArts, err := env.arts.FindByCase(context.Background(), caze.ID)
	if err != nil || len(cArts) != 0 {
		t.Fatalf("case artifacts %+v %v", cArts, err)
	}
	// ...but the alert fields still merge and the case reopens
	c, err := env.cases.Get(context.Background(), caze.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Severity != 3 {
		t.Fatalf("case severity %d, want 3", c.Severity)
	}
	if c.Status != caseStatusOpen {
		t.Fatalf("case status %q", c.Status)
	}
}

func TestSynchronizeEventFailureIsolation(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "broken", "publish_timestamp": 10},
		{"id": "43", "info": "fine", "publish_timestamp": 20}]`
	f.failAttrs[`42`] = true
	f.attrs[`43`] = `{"response": {"Attribute": [
		{"id": "1", "type": "domain", "value": "b.example.com", "timestamp": 15}
	]}}`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	outcomes := env.sync.Synchronize(context.Background())
	if len(outcomes) != 2 {
		t.Fatalf("outcomes %+v", outcomes)
	}
	var brokenErr, fineOK bool
	for _, oc := range outcomes {
		if oc.SourceRef == `42` && oc.Err != nil {
			brokenErr = true
		}
		if oc.SourceRef == `43` && oc.Err == nil && oc.Created {
			fineOK = true
		}
	}
	if !brokenErr || !fineOK {
		t.Fatalf("per-event isolation broken: %+v", outcomes)
	}
	if _, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("failed event produced an alert: %v", err)
	}
	a, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `43`)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Artifacts) != 1 {
		t.Fatalf("healthy event alert %+v", a)
	}
}

func TestSynchronizeFailureIsolation(t *testing.T) {
	bad := newFakeMISP(t)
	bad.fail = true
	good := newFakeMISP(t)
	good.eventIndex = `[{"id": "7", "info": "ok", "publish_timestamp": 10}]`

	env := newSyncEnv(t, bad.instance(`BAD`), good.instance(`GOOD`))
	outcomes := env.sync.Synchronize(context.Background())
	if len(outcomes) != 2 {
		t.Fatalf("outcomes %+v", outcomes)
	}
	var badErr, goodOK bool
	for _, oc := range outcomes {
		if oc.Instance == `BAD` && oc.Err != nil {
			badErr = true
		}
		if oc.Instance == `GOOD` && oc.Err == nil && oc.Created {
			goodOK = true
		}
	}
	if !badErr || !goodOK {
		t.Fatalf("isolation broken: %+v", outcomes)
	}
}

func TestMaterializeMalwareSample(t *testing.T) {
	payload := []byte(`MZ fake body`)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Encrypt(`1234`, `infected`, zip.StandardEncryption)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if w, err = zw.Encrypt(`1234.filename.txt`, `infected`, zip.StandardEncryption); err != nil {
		t.Fatal(err)
	}
	if _, err = w.Write([]byte(`orig.exe`)); err != nil {
		t.Fatal(err)
	}
	if err = zw.Close(); err != nil {
		t.Fatal(err)
	}

	f := newFakeMISP(t)
	f.files[`9`] = buf.Bytes()

	env := newSyncEnv(t, f.instance(`ALPHA`))
	inst, err := env.reg.Get(`ALPHA`)
	if err != nil {
		t.Fatal(err)
	}
	art := platform.NewRemoteArtifact(`orig.exe`, `9`, `malware-sample`)
	got, err := env.sync.Materialize(context.Background(), inst, art)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attachment == nil {
		t.Fatalf("not materialized: %+v", got)
	}
	if got.Attachment.Name != `orig.exe` {
		t.Fatalf("sample name %q", got.Attachment.Name)
	}
	b, err := os.ReadFile(got.Attachment.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != string(payload) {
		t.Fatalf("sample content %q", b)
	}
}

func newExportEnv(t *testing.T, f *fakeMISP) (*Exporter, *syncEnv, *platform.MemoryAttachmentStore) {
	env := newSyncEnv(t, f.instance(`ALPHA`))
	attachs := platform.NewMemoryAttachmentStore()
	exp := NewExporter(env.reg, env.alerts, env.arts, attachs, log.NewDiscardLogger())
	return exp, env, attachs
}

func TestExportCreatesEvent(t *testing.T) {
	f := newFakeMISP(t)
	f.createResp = `{"Event": {"id": "90"}, "errors": {"Attribute": {"1": {"value": ["bogus"]}}}}`

	exp, env, attachs := newExportEnv(t, f)
	caze := env.cases.Put(&platform.Case{
		Title:     `case one`,
		Severity:  3,
		StartDate: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
		Status:    `Open`,
	})

	early := platform.NewDataArtifact(`ip`, `10.0.0.1`)
	early.Message = `old note`
	dom := platform.NewDataArtifact(`domain`, `evil.example.com`)
	late := platform.NewDataArtifact(`ip`, `10.0.0.1`)
	late.Message = `new note`
	file := platform.NewFileArtifact(`file`, platform.Attachment{ID: `att1`, Name: `mal.bin`})
	attachs.Put(`att1`, []byte(`MZ...`))
	if _, err := env.arts.Create(context.Background(), caze.ID,
		[]platform.Artifact{early, dom, late, file}); err != nil {
		t.Fatal(err)
	}

	res, err := exp.Export(context.Background(), `ALPHA`, caze)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CreatedEvent || res.EventID != `90` {
		t.Fatalf("result %+v", res)
	}

	if len(f.createReqs) != 1 {
		t.Fatalf("create calls %d", len(f.createReqs))
	}
	ev := f.createReqs[0]
	if ev.Info != `case one` || ev.Date != `24-02-03` || ev.Published || ev.ThreatLevelID != 3 {
		t.Fatalf("event payload %+v", ev)
	}
	// duplicate ip deduped keeping the later message
	if len(ev.Attributes) != 2 {
		t.Fatalf("inline attributes %+v", ev.Attributes)
	}
	if ev.Attributes[0].Value != `evil.example.com` || ev.Attributes[1].Value != `10.0.0.1` {
		t.Fatalf("attribute order %+v", ev.Attributes)
	}
	if ev.Attributes[1].Comment != `new note` {
		t.Fatalf("dedup kept wrong duplicate: %+v", ev.Attributes[1])
	}

	// index 1 was rejected by the server
	if len(res.Errors) != 1 || res.Errors[0].Artifact.Data != `10.0.0.1` {
		t.Fatalf("errors %+v", res.Errors)
	}
	if res.Exported != 2 { // domain + file
		t.Fatalf("exported %d", res.Exported)
	}

	if len(f.uploads) != 1 {
		t.Fatalf("uploads %d", len(f.uploads))
	}
	up := f.uploads[0].Request
	if up.EventID != 90 || up.Category != `Payload delivery` || up.Type != `malware-sample` {
		t.Fatalf("upload %+v", up)
	}
	if len(up.Files) != 1 || up.Files[0].Filename != `mal.bin` ||
		up.Files[0].Data != base64.StdEncoding.EncodeToString([]byte(`MZ...`)) {
		t.Fatalf("upload files %+v", up.Files)
	}

	// the reconciliation alert pins the case to the remote event
	a, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `90`)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != platform.StatusImported || a.Follow || a.LastSyncDate != 0 || a.CaseID != caze.ID {
		t.Fatalf("reconciliation alert %+v", a)
	}
}

func TestExportReusesEvent(t *testing.T) {
	f := newFakeMISP(t)
	f.attrs[`90`] = `{"response": {"Attribute": [
		{"id": "1", "category": "Network activity", "type": "domain", "value": "evil.example.com"}
	]}}`

	exp, env, _ := newExportEnv(t, f)
	caze := env.cases.Put(&platform.Case{Title: `case one`, Severity: 2})
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `ALPHA`, SourceRef: `90`,
		Status: platform.StatusImported, CaseID: caze.ID,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.arts.Create(context.Background(), caze.ID, []platform.Artifact{
		platform.NewDataArtifact(`domain`, `evil.example.com`),
		platform.NewDataArtifact(`ip`, `10.0.0.2`),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := exp.Export(context.Background(), `ALPHA`, caze)
	if err != nil {
		t.Fatal(err)
	}
	if res.CreatedEvent || res.EventID != `90` {
		t.Fatalf("result %+v", res)
	}
	if len(f.createReqs) != 0 {
		t.Fatal("reuse path created a new event")
	}
	added := f.added[`90`]
	if len(added) != 1 || added[0].Type != `ip-src` || added[0].Value != `10.0.0.2` {
		t.Fatalf("added %+v", added)
	}
	if res.Exported != 1 {
		t.Fatalf("exported %d", res.Exported)
	}
}

func TestExportUnknownInstance(t *testing.T) {
	f := newFakeMISP(t)
	exp, env, _ := newExportEnv(t, f)
	caze := env.cases.Put(&platform.Case{Title: `x`})
	if _, err := exp.Export(context.Background(), `NOPE`, caze); !errors.Is(err, misp.ErrUnknownInstance) {
		t.Fatalf("err %v", err)
	}
}

func TestBackfill(t *testing.T) {
	f := newFakeMISP(t)
	f.attrs[`42`] = `{"response": {"Attribute": [
		{"id": "1", "type": "ip-dst", "category": "Network activity",
		 "value": "10.0.0.9", "timestamp": 50}
	]}}`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `ALPHA`, SourceRef: `42`,
		Status: platform.StatusNew, Follow: true,
	}); err != nil {
		t.Fatal(err)
	}
	// alert from an instance that was removed from the config
	if _, err := env.alerts.Create(context.Background(), &platform.Alert{
		Type: platform.AlertTypeMisp, Source: `GONE`, SourceRef: `7`,
		Status: platform.StatusNew, Follow: true,
	}); err != nil {
		t.Fatal(err)
	}

	bf := NewBackfiller(env.reg, env.alerts, log.NewDiscardLogger())
	bus := platform.NewEventBus()
	bf.Attach(bus)
	bus.Publish(context.Background(), platform.Event{Kind: platform.EvUpdateMispAlertArtifact})
	bus.Wait()

	a, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Artifacts) != 1 || a.Artifacts[0].Data != `10.0.0.9` {
		t.Fatalf("backfilled artifacts %+v", a.Artifacts)
	}
	gone, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `GONE`, `7`)
	if err != nil {
		t.Fatal(err)
	}
	if len(gone.Artifacts) != 0 {
		t.Fatalf("unconfigured instance alert was touched: %+v", gone)
	}
}

func TestScheduler(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "x", "publish_timestamp": 10}]`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	// a leftover from a crashed pass, the sweep should remove it
	stray := filepath.Join(env.temp.Dir(), `stray`)
	if err := os.WriteFile(stray, []byte(`x`), 0600); err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(env.sync, env.temp, time.Hour, log.NewDiscardLogger())
	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler never ran a pass")
		}
		time.Sleep(10 * time.Millisecond)
	}
	sched.Stop()
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("temp sweep left %s: %v", stray, err)
	}
}

func TestSchedulerReadyGate(t *testing.T) {
	f := newFakeMISP(t)
	f.eventIndex = `[{"id": "42", "info": "x", "publish_timestamp": 10}]`

	env := newSyncEnv(t, f.instance(`ALPHA`))
	sched := NewScheduler(env.sync, env.temp, time.Hour, log.NewDiscardLogger())
	sched.SetReadyCheck(func() bool { return false })
	sched.Start(context.Background())
	sched.Stop()

	if _, err := env.alerts.Get(context.Background(), platform.AlertTypeMisp, `ALPHA`, `42`); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("gated scheduler still synced: %v", err)
	}
}
