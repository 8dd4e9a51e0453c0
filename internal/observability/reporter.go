// Package observability carries the operability concerns the wire
// protocol itself has no business knowing about: a periodic
// fleet/host-resource snapshot log line, and an optional durable log of
// socket lifecycle events.
package observability

import (
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hugoterelle/hyperletter/internal/fleet"
)

// FleetSnapshotter is the subset of Socket the Reporter depends on,
// kept narrow so tests can supply a stub.
type FleetSnapshotter interface {
	FleetSnapshot() fleet.Snapshot
}

// hostStats is one sample of local host resource usage, taken as a
// single point-in-time read rather than from a separately-ticking
// goroutine: the cron schedule already drives the cadence.
type hostStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

func collectHostStats(logger *slog.Logger) hostStats {
	var s hostStats

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		s.CPUPercent = percentages[0]
	} else {
		logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		s.DiskUsagePercent = d.UsedPercent
	} else {
		logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage = l.Load1
	} else {
		logger.Debug("failed to collect load stats", "error", err)
	}

	return s
}

// Reporter logs one structured snapshot line per cron tick: the fleet's
// channel-state counts plus the local host's resource usage. It never
// touches the wire protocol or channel state — read-only, purely for
// operators.
type Reporter struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewReporter schedules sock's snapshot on the given cron expression
// (e.g. "*/15 * * * * *" for every 15 seconds).
func NewReporter(schedule string, sock FleetSnapshotter, logger *slog.Logger) (*Reporter, error) {
	logger = logger.With("component", "observability.reporter")
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))), cron.WithSeconds())

	if _, err := c.AddFunc(schedule, func() {
		report(sock, logger)
	}); err != nil {
		return nil, err
	}

	return &Reporter{cron: c, logger: logger}, nil
}

func report(sock FleetSnapshotter, logger *slog.Logger) {
	fs := sock.FleetSnapshot()
	hs := collectHostStats(logger)
	logger.Info("snapshot",
		"fleet_connecting", fs.Connecting,
		"fleet_handshake_pending", fs.HandshakePending,
		"fleet_ready", fs.Ready,
		"fleet_shutting_down", fs.ShuttingDown,
		"host_cpu_percent", hs.CPUPercent,
		"host_memory_percent", hs.MemoryPercent,
		"host_disk_percent", hs.DiskUsagePercent,
		"host_load1", hs.LoadAverage,
	)
}

// Start begins the reporter's cron schedule.
func (r *Reporter) Start() {
	r.logger.Info("reporter started")
	r.cron.Start()
}

// Stop halts the schedule and waits for any in-flight tick to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("reporter stopped")
}
