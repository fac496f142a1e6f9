package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/halohq/halo/internal/admin"
	"github.com/halohq/halo/internal/audit"
	"github.com/halohq/halo/internal/eventlog"
	"github.com/halohq/halo/internal/paths"
	"github.com/halohq/halo/internal/semindex"

	. "github.com/halohq/halo/internal/logging"
)

// ServeCmd runs the gateway daemon.
type ServeCmd struct {
	Addr string `help:"Admin listen address (overrides config)."`
}

func (c *ServeCmd) Run() error {
	L_info("halod %s starting", version)

	rt, err := newRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	eventPath, err := paths.EventLogPath()
	if err != nil {
		return err
	}
	auditPath, err := paths.AuditLogPath()
	if err != nil {
		return err
	}
	configPath, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	incidentsDir, err := paths.IncidentsDir()
	if err != nil {
		return err
	}
	events := eventlog.New(eventPath)
	incidents := eventlog.New(filepath.Join(incidentsDir, "runtime.jsonl"))
	auditLog := audit.New(auditPath)

	scheduler := rt.newRetentionScheduler(rt.cfg.Retention)
	scheduler.Start()
	defer scheduler.Stop()

	memDir, err := memoryRoot()
	if err != nil {
		return err
	}
	watcher := semindex.NewWatcher(rt.sync, memDir, rt.sessionScopeIDs)
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	addr := rt.cfg.Admin.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	handler := admin.NewHandler(admin.Deps{
		Family:      rt.family,
		Features:    rt.cfg.Features,
		Version:     version,
		Sessions:    rt.sessions,
		Transcripts: rt.transcripts,
		Events:      events,
		Incidents:   incidents,
		Audit:       auditLog,
		Retention:   scheduler,
		Files:       rt.deleter,
		Sync:        rt.sync,
		MemoryDir:   paths.MemoryScopeDir,
		LaneDir:     laneDir,
		ConfigPath:  configPath,
	})
	server := admin.NewServer(handler, addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	if err := events.Append(eventlog.Entry{Kind: "startup", Detail: map[string]string{"version": version}}); err != nil {
		L_warn("event log write failed", "error", err)
	}
	L_info("halod ready", "admin", addr, "family", rt.family.FamilyID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	restart := false
	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case sig := <-sigs:
		L_info("received signal", "signal", sig.String())
		restart = sig == syscall.SIGHUP
	}

	SetShuttingDown()
	if err := events.Append(eventlog.Entry{Kind: "shutdown"}); err != nil {
		L_warn("event log write failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		L_warn("admin shutdown failed", "error", err)
	}

	if restart {
		watcher.Stop()
		scheduler.Stop()
		rt.close()
		L_info("restart requested, exiting with restart code")
		os.Exit(restartExitCode)
	}
	return nil
}
