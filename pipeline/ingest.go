/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package pipeline drives the connector: scheduled ingestion of MISP
// events into alerts, case export back to MISP, and artifact backfill.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gravwell/mispsync/log"
	"github.com/gravwell/mispsync/misp"
	"github.com/gravwell/mispsync/platform"
	"golang.org/x/sync/errgroup"
)

const caseStatusOpen = `Open`

// Synchronizer pulls published events from every configured MISP instance
// and maintains one alert per remote event.
type Synchronizer struct {
	reg    *misp.Registry
	alerts platform.AlertStore
	cases  platform.CaseStore
	arts   platform.ArtifactStore
	attach *misp.AttachmentHandler
	lg     *log.Logger
}

func NewSynchronizer(reg *misp.Registry, alerts platform.AlertStore, cases platform.CaseStore,
	arts platform.ArtifactStore, attach *misp.AttachmentHandler, lg *log.Logger) *Synchronizer {
	return &Synchronizer{
		reg:    reg,
		alerts: alerts,
		cases:  cases,
		arts:   arts,
		attach: attach,
		lg:     lg,
	}
}

// EventOutcome is the result of processing one remote event.
type EventOutcome struct {
	Instance  string
	SourceRef string
	AlertID   string
	Created   bool
	Updated   bool
	Artifacts int
	Err       error
}

// Synchronize runs one incremental pass: each instance is polled for
// events published after that instance's watermark, and each event's new
// attributes are folded into its alert. Instances run in parallel, events
// within an instance run in order. A failing event or instance never stops
// the others.
func (s *Synchronizer) Synchronize(ctx context.Context) []EventOutcome {
	return s.run(ctx, false)
}

// FullSynchronize re-walks every event on every instance with no date
// filtering. Alert statuses are left untouched.
func (s *Synchronizer) FullSynchronize(ctx context.Context) []EventOutcome {
	return s.run(ctx, true)
}

func (s *Synchronizer) run(ctx context.Context, full bool) []EventOutcome {
	var (
		mtx      sync.Mutex
		outcomes []EventOutcome
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range s.reg.All() {
		inst := inst
		g.Go(func() error {
			res := s.syncInstance(gctx, inst, full)
			mtx.Lock()
			outcomes = append(outcomes, res...)
			mtx.Unlock()
			return nil // isolation: one instance never cancels the rest
		})
	}
	g.Wait()
	return outcomes
}

func (s *Synchronizer) syncInstance(ctx context.Context, inst *misp.Instance, full bool) []EventOutcome {
	name := inst.Config.Name
	var since int64
	if !full {
		wm, err := s.alerts.MaxLastSync(ctx, platform.AlertTypeMisp, name)
		if err != nil {
			s.lg.Error("failed to load sync watermark", log.KV("instance", name), log.KVErr(err))
			return []EventOutcome{{Instance: name, Err: err}}
		}
		since = wm
	}
	evs, raw, err := inst.Client.EventIndex(ctx, since)
	if err != nil {
		s.lg.Error("failed to fetch event index", log.KV("instance", name), log.KVErr(err))
		return []EventOutcome{{Instance: name, Err: err}}
	}
	s.lg.Info("fetched event index", log.KV("instance", name),
		log.KV("events", len(evs)), log.KV("raw", raw), log.KV("since", since))

	outcomes := make([]EventOutcome, 0, len(evs))
	for _, ev := range evs {
		oc := s.syncEvent(ctx, inst, ev, full)
		if oc.Err != nil {
			s.lg.Error("failed to sync event", log.KV("instance", name),
				log.KV("event", ev.SourceRef), log.KVErr(oc.Err))
		}
		outcomes = append(outcomes, oc)
	}
	return outcomes
}

// syncEvent folds one remote event into its alert: creating the alert if
// this is the first sighting, appending new artifacts and advancing the
// watermark otherwise. Incremental passes leave unfollowed alerts alone.
func (s *Synchronizer) syncEvent(ctx context.Context, inst *misp.Instance, ev misp.EventSummary, full bool) (oc EventOutcome) {
	oc.Instance = inst.Config.Name
	oc.SourceRef = ev.SourceRef

	existing, err := s.alerts.Get(ctx, platform.AlertTypeMisp, ev.Source, ev.SourceRef)
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		oc.Err = err
		return
	}
	// follow=false only shields the alert from incremental passes, a full
	// synchronize rewrites unfollowed alerts too
	if existing != nil && !existing.Follow && !full {
		oc.AlertID = existing.ID
		return
	}

	// the attribute watermark is per alert, not per instance
	attrSince := misp.NoSince
	if !full && existing != nil {
		attrSince = existing.LastSyncDate
	}
	attrs, skipped, err := inst.Client.SearchAttributes(ctx, ev.SourceRef, attrSince)
	if err != nil {
		oc.Err = err
		return
	}
	if skipped > 0 {
		s.lg.Warn("skipped malformed attributes", log.KV("instance", oc.Instance),
			log.KV("event", ev.SourceRef), log.KV("skipped", skipped))
	}
	tr := misp.NewTransformer(inst.Config)
	var incoming []platform.Artifact
	for _, attr := range attrs {
		incoming = append(incoming, tr.Artifacts(attr, attrSince)...)
	}

	if existing == nil {
		created, cerr := s.alerts.Create(ctx, buildAlert(inst, ev, incoming))
		if cerr != nil {
			oc.Err = cerr
			return
		}
		oc.AlertID, oc.Created, oc.Artifacts = created.ID, true, len(incoming)
		return
	}
	fresh := filterKnown(existing.Artifacts, incoming)
	existing.Title = ev.Info
	existing.Description = eventDescription(ev)
	existing.Severity = severityFor(ev.ThreatLevel)
	existing.Tags = alertTags(inst.Config.Name, ev.Tags)
	existing.LastSyncDate = ev.PublishTimestamp
	existing.Artifacts = append(existing.Artifacts, fresh...)
	if !full && existing.Status != platform.StatusNew {
		existing.Status = platform.StatusUpdated
	}
	if _, err = s.alerts.Update(ctx, existing); err != nil {
		oc.Err = err
		return
	}
	oc.AlertID, oc.Updated, oc.Artifacts = existing.ID, true, len(fresh)

	if existing.CaseID != `` {
		if err = s.mergeIntoCase(ctx, inst, existing, fresh, full); err != nil {
			oc.Err = err
		}
	}
	return
}

// mergeIntoCase folds an updated alert into the case it was promoted to:
// new artifacts are appended (remote attachments materialized on the way),
// severity and tags are merged, and incremental passes reopen the case so
// the new intel is visible.
func (s *Synchronizer) mergeIntoCase(ctx context.Context, inst *misp.Instance, alert *platform.Alert, fresh []platform.Artifact, full bool) error {
	caze, err := s.cases.Get(ctx, alert.CaseID)
	if err != nil {
		return err
	}
	existing, err := s.arts.FindByCase(ctx, alert.CaseID)
	if err != nil {
		return err
	}
	add := filterKnown(existing, fresh)
	for i, a := range add {
		if a.Remote == nil {
			continue
		}
		mat, merr := s.Materialize(ctx, inst, a)
		if merr != nil {
			s.lg.Warn("failed to materialize remote attachment",
				log.KV("case", alert.CaseID), log.KV("filename", a.Remote.Filename), log.KVErr(merr))
			continue
		}
		add[i] = mat
	}
	if len(add) > 0 {
		if _, err = s.arts.Create(ctx, alert.CaseID, add); err != nil {
			return err
		}
	}
	if alert.Severity > caze.Severity {
		caze.Severity = alert.Severity
	}
	caze.Tags = mergeTags(caze.Tags, alert.Tags)
	if !full && caze.Status != caseStatusOpen {
		caze.Status = caseStatusOpen
	}
	_, err = s.cases.Update(ctx, caze)
	return err
}

func mergeTags(dst, add []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, t := range dst {
		seen[t] = true
	}
	for _, t := range add {
		if !seen[t] {
			seen[t] = true
			dst = append(dst, t)
		}
	}
	return dst
}

// Materialize downloads a remote attachment artifact into a local file
// artifact, unpacking malware sample archives.
func (s *Synchronizer) Materialize(ctx context.Context, inst *misp.Instance, a platform.Artifact) (platform.Artifact, error) {
	if a.Remote == nil {
		return a, nil
	}
	att, err := s.attach.Download(ctx, inst.Client, a.Remote.Reference)
	if err != nil {
		return a, err
	}
	if a.Remote.Type == `malware-sample` {
		att = s.attach.ExtractMalwareSample(att)
	}
	out := platform.NewFileArtifact(a.DataType, att)
	out.Tags = a.Tags
	out.TLP = a.TLP
	out.Message = a.Message
	out.StartDate = a.StartDate
	return out, nil
}

func buildAlert(inst *misp.Instance, ev misp.EventSummary, arts []platform.Artifact) *platform.Alert {
	return &platform.Alert{
		Type:         platform.AlertTypeMisp,
		Source:       ev.Source,
		SourceRef:    ev.SourceRef,
		Title:        ev.Info,
		Description:  eventDescription(ev),
		Severity:     severityFor(ev.ThreatLevel),
		Date:         eventDate(ev),
		LastSyncDate: ev.PublishTimestamp,
		Status:       platform.StatusNew,
		Follow:       true,
		CaseTemplate: inst.Config.CaseTemplate,
		Tags:         alertTags(inst.Config.Name, ev.Tags),
		Artifacts:    arts,
	}
}

func eventDescription(ev misp.EventSummary) string {
	return fmt.Sprintf("Imported from MISP Event #%s, created at %s", ev.SourceRef, ev.Date)
}

func eventDate(ev misp.EventSummary) time.Time {
	if t, err := time.Parse(`2006-01-02`, ev.Date); err == nil {
		return t
	}
	return time.Unix(ev.PublishTimestamp, 0)
}

func alertTags(instance string, evTags []string) []string {
	tags := make([]string, 0, len(evTags)+1)
	tags = append(tags, `src:`+instance)
	return append(tags, evTags...)
}

// severityFor maps a MISP threat level (1 high .. 4 undefined) to a
// platform severity (3 high .. 1 low).
func severityFor(threatLevel int) int {
	switch threatLevel {
	case 1:
		return 3
	case 2:
		return 2
	default:
		return 1
	}
}

// filterKnown drops incoming artifacts that already exist in the known
// set, matching on (dataType, value).
func filterKnown(known, incoming []platform.Artifact) []platform.Artifact {
	seen := make(map[string]bool, len(known))
	for _, a := range known {
		seen[a.DataType+"\x00"+a.Value()] = true
	}
	var out []platform.Artifact
	for _, a := range incoming {
		k := a.DataType + "\x00" + a.Value()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}
