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
	"errors"

	"github.com/gravwell/mispsync/log"
	"github.com/gravwell/mispsync/misp"
	"github.com/gravwell/mispsync/platform"
	"golang.org/x/sync/errgroup"
)

const backfillConcurrency = 5

// Backfiller repopulates alerts whose artifact lists came up empty, for
// example after an attribute fetch failed mid-sync. It listens for
// artifact update events and re-fetches the full attribute set of every
// empty alert.
type Backfiller struct {
	reg    *misp.Registry
	alerts platform.AlertStore
	lg     *log.Logger
}

func NewBackfiller(reg *misp.Registry, alerts platform.AlertStore, lg *log.Logger) *Backfiller {
	return &Backfiller{
		reg:    reg,
		alerts: alerts,
		lg:     lg,
	}
}

// Attach subscribes the backfiller to the event bus.
func (b *Backfiller) Attach(bus *platform.EventBus) {
	bus.Subscribe(platform.EvUpdateMispAlertArtifact, func(ctx context.Context, ev platform.Event) {
		if err := b.Run(ctx); err != nil {
			b.lg.Error("backfill run failed", log.KVErr(err))
		}
	})
}

// Run re-fetches artifacts for every MISP alert with an empty artifact
// list. Alerts are processed concurrently with a fixed limit; an alert
// whose instance is no longer configured is skipped.
func (b *Backfiller) Run(ctx context.Context) error {
	empty, err := b.alerts.Find(ctx, platform.AlertFilter{
		Type:           platform.AlertTypeMisp,
		EmptyArtifacts: true,
	})
	if err != nil {
		return err
	}
	if len(empty) == 0 {
		return nil
	}
	b.lg.Info("backfilling empty alerts", log.KV("alerts", len(empty)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)
	for _, alert := range empty {
		alert := alert
		g.Go(func() error {
			if err := b.backfillAlert(gctx, alert); err != nil {
				b.lg.Error("failed to backfill alert", log.KV("alert", alert.ID),
					log.KV("source", alert.Source), log.KV("event", alert.SourceRef), log.KVErr(err))
			}
			return nil // one failed alert never stops the batch
		})
	}
	return g.Wait()
}

func (b *Backfiller) backfillAlert(ctx context.Context, alert *platform.Alert) error {
	inst, err := b.reg.Get(alert.Source)
	if err != nil {
		if errors.Is(err, misp.ErrUnknownInstance) {
			b.lg.Warn("alert references unconfigured instance, skipping",
				log.KV("alert", alert.ID), log.KV("source", alert.Source))
			return nil
		}
		return err
	}
	attrs, _, err := inst.Client.SearchAttributes(ctx, alert.SourceRef, misp.NoSince)
	if err != nil {
		return err
	}
	tr := misp.NewTransformer(inst.Config)
	var arts []platform.Artifact
	for _, attr := range attrs {
		arts = append(arts, tr.Artifacts(attr, misp.NoSince)...)
	}
	if len(arts) == 0 {
		return nil
	}
	alert.Artifacts = filterKnown(nil, arts)
	_, err = b.alerts.Update(ctx, alert)
	return err
}
