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
	"sync"
	"time"

	"github.com/gravwell/mispsync/log"
	"github.com/gravwell/mispsync/platform"
)

const defaultSyncInterval = time.Hour

// Scheduler runs the synchronizer on a fixed interval. Each pass runs as
// the connector service user and sweeps the temp store when it finishes.
type Scheduler struct {
	sync     *Synchronizer
	temp     *platform.TempStore
	interval time.Duration
	lg       *log.Logger

	ready func() bool

	wg   sync.WaitGroup
	stop context.CancelFunc
}

func NewScheduler(s *Synchronizer, temp *platform.TempStore, interval time.Duration, lg *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &Scheduler{
		sync:     s,
		temp:     temp,
		interval: interval,
		lg:       lg,
	}
}

// SetReadyCheck installs a gate consulted before every pass; when it
// returns false the pass is skipped and retried next tick.
func (s *Scheduler) SetReadyCheck(f func() bool) {
	s.ready = f
}

// Start launches the sync loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	tkr := time.NewTicker(s.interval)
	defer tkr.Stop()
	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	if s.ready != nil && !s.ready() {
		s.lg.Info("platform not ready, skipping sync pass")
		return
	}
	start := time.Now()
	outcomes := s.sync.Synchronize(platform.WithUser(ctx, platform.ServiceUser))
	var created, updated, failed int
	for _, oc := range outcomes {
		switch {
		case oc.Err != nil:
			failed++
		case oc.Created:
			created++
		case oc.Updated:
			updated++
		}
	}
	s.lg.Info("sync pass complete",
		log.KV("events", len(outcomes)), log.KV("created", created),
		log.KV("updated", updated), log.KV("failed", failed),
		log.KV("duration", time.Since(start).String()))
	if err := s.temp.ReleaseAll(); err != nil {
		s.lg.Warn("failed to sweep temp store", log.KVErr(err))
	}
}
