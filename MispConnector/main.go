/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravwell/mispsync/config"
	"github.com/gravwell/mispsync/log"
	"github.com/gravwell/mispsync/misp"
	"github.com/gravwell/mispsync/pipeline"
	"github.com/gravwell/mispsync/platform"
)

const (
	appName           = `mispconnector`
	defaultConfigLoc  = `/opt/gravwell/etc/misp_connector.conf`
	defaultConfigDLoc = `/opt/gravwell/etc/misp_connector.conf.d`
)

var (
	confLoc  = flag.String("config-file", defaultConfigLoc, "Location of configuration file")
	confDLoc = flag.String("config-overlays", defaultConfigDLoc, "Location of configuration overlay directory")
	verbose  = flag.Bool("v", false, "Log to stderr as well as the configured log file")
)

var lg *log.Logger

func main() {
	flag.Parse()
	cfg, err := config.GetConfig(*confLoc, *confDLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %s: %v\n", *confLoc, err)
		os.Exit(-1)
	}
	lg = getLogger(cfg)
	defer lg.Close()

	instances := cfg.Instances()
	lg.Info("MISP connector starting", log.KV("instances", len(instances)))

	alerts, err := platform.OpenBoltAlertStore(cfg.Global.State_Store_Location)
	if err != nil {
		lg.FatalCode(0, "failed to open alert store",
			log.KV("path", cfg.Global.State_Store_Location), log.KVErr(err))
	}
	defer alerts.Close()

	temp, err := platform.NewTempStore(cfg.TempStoreLocation())
	if err != nil {
		lg.FatalCode(0, "failed to create temp store", log.KVErr(err))
	}

	reg := misp.NewRegistry(instanceConfigs(instances))
	cases := platform.NewMemoryCaseStore()
	arts := platform.NewMemoryArtifactStore()
	attach := misp.NewAttachmentHandler(temp, lg)
	sync := pipeline.NewSynchronizer(reg, alerts, cases, arts, attach, lg)

	bus := platform.NewEventBus()
	pipeline.NewBackfiller(reg, alerts, lg).Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	sched := pipeline.NewScheduler(sync, temp, cfg.SyncInterval(), lg)
	sched.Start(ctx)

	waitForQuit()
	lg.Info("MISP connector exiting")
	cancel()
	sched.Stop()
	bus.Wait()
}

func getLogger(cfg *config.Config) *log.Logger {
	var l *log.Logger
	if cfg.Global.Log_File != `` {
		var err error
		if l, err = log.NewFile(cfg.Global.Log_File); err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", cfg.Global.Log_File, err)
			os.Exit(-1)
		}
		if *verbose {
			l.AddWriter(os.Stderr)
		}
	} else {
		l = log.NewStderrLogger()
	}
	if err := l.SetLevelString(cfg.LogLevel()); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", cfg.Global.Log_Level, err)
		os.Exit(-1)
	}
	l.SetAppname(appName)
	return l
}

func instanceConfigs(defs []config.InstanceDef) (out []misp.InstanceConfig) {
	for _, d := range defs {
		out = append(out, misp.InstanceConfig{
			Name:                  d.Name,
			URL:                   d.URL,
			APIKey:                d.APIKey,
			CaseTemplate:          d.CaseTemplate,
			ArtifactTags:          d.Tags,
			Timeout:               d.Timeout,
			RateLimit:             d.RateLimit,
			MaxRetries:            d.MaxRetries,
			InsecureSkipTLSVerify: d.InsecureSkipTLSVerify,
		})
	}
	return
}

func waitForQuit() {
	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	<-sch
}
