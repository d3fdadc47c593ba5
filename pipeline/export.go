/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/gravwell/mispsync/log"
	"github.com/gravwell/mispsync/misp"
	"github.com/gravwell/mispsync/platform"
)

const eventDateLayout = `06-01-02`

// Exporter pushes case observables to a MISP instance as an event.
type Exporter struct {
	reg     *misp.Registry
	alerts  platform.AlertStore
	arts    platform.ArtifactStore
	attachs platform.AttachmentStore
	lg      *log.Logger
}

func NewExporter(reg *misp.Registry, alerts platform.AlertStore, arts platform.ArtifactStore,
	attachs platform.AttachmentStore, lg *log.Logger) *Exporter {
	return &Exporter{
		reg:     reg,
		alerts:  alerts,
		arts:    arts,
		attachs: attachs,
		lg:      lg,
	}
}

// ExportResult describes one export run. Rejections of individual
// artifacts land in Errors; they do not abort the run.
type ExportResult struct {
	EventID      string
	CreatedEvent bool
	Exported     int
	Errors       []*misp.ExportError
}

// Export publishes the observables of a case to the named MISP instance.
// The first export of a case creates a remote event; later exports reuse
// it and submit only observables not already present. A reconciliation
// alert records the link between the case and the remote event so the
// ingest pass never re-imports the connector's own export.
func (e *Exporter) Export(ctx context.Context, instanceName string, caze *platform.Case) (*ExportResult, error) {
	inst, err := e.reg.Get(instanceName)
	if err != nil {
		return nil, err
	}
	caseArts, err := e.arts.FindByCase(ctx, caze.ID)
	if err != nil {
		return nil, err
	}
	res := &ExportResult{}

	var inline, files []platform.Artifact
	for _, a := range caseArts {
		if err = a.Validate(); err != nil {
			return nil, err
		}
		switch {
		case a.Remote != nil:
			// still resident on a MISP instance, nothing to push
		case a.Attachment != nil:
			files = append(files, a)
		default:
			inline = append(inline, a)
		}
	}
	inline = dedupKeepLast(inline)
	files = dedupKeepLast(files)

	existing, err := e.findExportAlert(ctx, instanceName, caze.ID)
	if err != nil {
		return nil, err
	}

	exported := map[string]bool{}
	if existing == nil {
		attrs := make([]misp.ExportAttribute, 0, len(inline))
		for _, a := range inline {
			attrs = append(attrs, exportAttribute(a))
		}
		created, cerr := inst.Client.CreateEvent(ctx, misp.EventPayload{
			Distribution:  0,
			ThreatLevelID: caze.Severity,
			Analysis:      0,
			Info:          caze.Title,
			Date:          caze.StartDate.Format(eventDateLayout),
			Published:     false,
			Attributes:    attrs,
		})
		if cerr != nil {
			return nil, cerr
		}
		res.EventID, res.CreatedEvent = created.EventID, true
		for i, a := range inline {
			if created.FailedIndexes[i] {
				res.Errors = append(res.Errors, rejection(a, nil, `attribute rejected by MISP`))
				continue
			}
			exported[a.Value()] = true
			res.Exported++
		}
	} else {
		res.EventID = existing.SourceRef
		remote, _, serr := inst.Client.SearchAttributes(ctx, existing.SourceRef, misp.NoSince)
		if serr != nil {
			return nil, serr
		}
		for _, ra := range remote {
			exported[ra.Value] = true
		}
		for _, a := range inline {
			if exported[a.Value()] {
				continue
			}
			if aerr := inst.Client.AddAttribute(ctx, res.EventID, exportAttribute(a)); aerr != nil {
				res.Errors = append(res.Errors, rejection(a, aerr, ``))
				continue
			}
			exported[a.Value()] = true
			res.Exported++
		}
	}

	for _, a := range files {
		if exported[a.Value()] {
			continue
		}
		if uerr := e.uploadSample(ctx, inst, res.EventID, a); uerr != nil {
			res.Errors = append(res.Errors, rejection(a, uerr, ``))
			continue
		}
		exported[a.Value()] = true
		res.Exported++
	}

	if err = e.reconcile(ctx, instanceName, res.EventID, caze.ID, append(inline, files...)); err != nil {
		return res, err
	}
	return res, nil
}

// findExportAlert returns the alert already linking this case to an event
// on the given instance, nil when the case was never exported there.
func (e *Exporter) findExportAlert(ctx context.Context, instanceName, caseID string) (*platform.Alert, error) {
	found, err := e.alerts.Find(ctx, platform.AlertFilter{
		Type:   platform.AlertTypeMisp,
		Source: instanceName,
		CaseID: caseID,
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// uploadSample pushes one file observable via events/upload_sample. The
// payload comes from the attachment store when the attachment carries a
// store id, from the local path otherwise.
func (e *Exporter) uploadSample(ctx context.Context, inst *misp.Instance, eventID string, a platform.Artifact) error {
	evID, err := strconv.Atoi(eventID)
	if err != nil {
		return fmt.Errorf("invalid event id %q: %w", eventID, err)
	}
	var rdr io.ReadCloser
	if a.Attachment.ID != `` {
		if rdr, err = e.attachs.Source(ctx, a.Attachment.ID); err != nil {
			return err
		}
	} else if rdr, err = os.Open(a.Attachment.Path); err != nil {
		return err
	}
	data, err := io.ReadAll(rdr)
	rdr.Close()
	if err != nil {
		return err
	}
	return inst.Client.UploadSample(ctx, misp.UploadSampleRequest{
		Request: misp.UploadSampleBody{
			EventID:  evID,
			Category: `Payload delivery`,
			Type:     `malware-sample`,
			Comment:  a.Message,
			Files: []misp.UploadSampleFile{{
				Filename: a.Attachment.Name,
				Data:     base64.StdEncoding.EncodeToString(data),
			}},
		},
	})
}

// reconcile records the export as an Imported, non-followed alert so the
// next ingest pass recognizes the event as the connector's own output.
// lastSyncDate stays zero so it never moves the instance watermark.
func (e *Exporter) reconcile(ctx context.Context, instanceName, eventID, caseID string, arts []platform.Artifact) error {
	alert, err := e.alerts.Get(ctx, platform.AlertTypeMisp, instanceName, eventID)
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		return err
	}
	if alert == nil {
		_, err = e.alerts.Create(ctx, &platform.Alert{
			Type:         platform.AlertTypeMisp,
			Source:       instanceName,
			SourceRef:    eventID,
			Title:        fmt.Sprintf("Case %s exported to MISP", caseID),
			Status:       platform.StatusImported,
			Follow:       false,
			LastSyncDate: 0,
			CaseID:       caseID,
			Artifacts:    arts,
		})
		return err
	}
	alert.Status = platform.StatusImported
	alert.Follow = false
	alert.CaseID = caseID
	alert.Artifacts = arts
	_, err = e.alerts.Update(ctx, alert)
	return err
}

func exportAttribute(a platform.Artifact) misp.ExportAttribute {
	cat, typ := misp.MispTypeFor(a.DataType, a.Value())
	return misp.ExportAttribute{
		Category: cat,
		Type:     typ,
		Value:    a.Value(),
		Comment:  a.Message,
	}
}

func exportKey(a platform.Artifact) string {
	ea := exportAttribute(a)
	return ea.Category + "\x00" + ea.Type + "\x00" + ea.Value
}

// dedupKeepLast drops duplicate observables by (category, type, value),
// keeping the most recent occurrence.
func dedupKeepLast(arts []platform.Artifact) []platform.Artifact {
	seen := make(map[string]bool, len(arts))
	out := make([]platform.Artifact, 0, len(arts))
	for i := len(arts) - 1; i >= 0; i-- {
		k := exportKey(arts[i])
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, arts[i])
	}
	// restore original relative order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// rejection turns a MISP error into an ExportError with the best message
// available.
func rejection(a platform.Artifact, err error, fallback string) *misp.ExportError {
	msg := fallback
	var ferr *misp.FetchError
	if errors.As(err, &ferr) {
		msg = misp.ExportMessage(ferr)
	} else if err != nil {
		msg = err.Error()
	}
	return &misp.ExportError{Artifact: a, Message: msg}
}
