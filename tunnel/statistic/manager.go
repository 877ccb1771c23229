package statistic

import (
	"context"
	"os"
	"time"

	"github.com/metacubex/ipowd/common/atomic"
	"github.com/metacubex/ipowd/log"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/process"
)

// Direction of a packet relative to the device: upload leaves the device
// toward the peer, download arrives from the peer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Manager counts forwarded and dropped packets. Counters are written by the
// forwarding loop and read by the reporter, so everything here is atomic.
type Manager struct {
	uploadTemp    atomic.Int64
	downloadTemp  atomic.Int64
	uploadBlip    atomic.Int64
	downloadBlip  atomic.Int64
	uploadTotal   atomic.Int64
	downloadTotal atomic.Int64

	uploadPackets   atomic.Int64
	downloadPackets atomic.Int64

	dropped *xsync.MapOf[string, *xsync.Counter]
	events  *xsync.MapOf[log.LogLevel, *xsync.Counter]
	process *process.Process
}

func NewManager() *Manager {
	return &Manager{
		uploadTemp:      atomic.NewInt64(0),
		downloadTemp:    atomic.NewInt64(0),
		uploadBlip:      atomic.NewInt64(0),
		downloadBlip:    atomic.NewInt64(0),
		uploadTotal:     atomic.NewInt64(0),
		downloadTotal:   atomic.NewInt64(0),
		uploadPackets:   atomic.NewInt64(0),
		downloadPackets: atomic.NewInt64(0),
		dropped:         xsync.NewMapOf[string, *xsync.Counter](),
		events:          xsync.NewMapOf[log.LogLevel, *xsync.Counter](),
		process:         &process.Process{Pid: int32(os.Getpid())},
	}
}

func (m *Manager) PushUploaded(size int) {
	m.uploadTemp.Add(int64(size))
	m.uploadTotal.Add(int64(size))
	m.uploadPackets.Add(1)
}

func (m *Manager) PushDownloaded(size int) {
	m.downloadTemp.Add(int64(size))
	m.downloadTotal.Add(int64(size))
	m.downloadPackets.Add(1)
}

// PushDropped counts one discarded packet under direction and reason.
func (m *Manager) PushDropped(direction Direction, reason string) {
	counter, _ := m.dropped.LoadOrCompute(dropKey(direction, reason), xsync.NewCounter)
	counter.Inc()
}

// Dropped returns how many packets were discarded for direction and reason.
func (m *Manager) Dropped(direction Direction, reason string) int64 {
	counter, ok := m.dropped.Load(dropKey(direction, reason))
	if !ok {
		return 0
	}
	return counter.Value()
}

// LogEvents returns how many log events of level were seen by Watch.
func (m *Manager) LogEvents(level log.LogLevel) int64 {
	counter, ok := m.events.Load(level)
	if !ok {
		return 0
	}
	return counter.Value()
}

// Watch counts log events by level until ctx is done. Events the log stream
// dropped under load are not counted.
func (m *Manager) Watch(ctx context.Context) {
	sub := log.Subscribe()
	defer log.UnSubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			counter, _ := m.events.LoadOrCompute(event.LogLevel, xsync.NewCounter)
			counter.Inc()
		}
	}
}

func dropKey(direction Direction, reason string) string {
	return string(direction) + "/" + reason
}

// Now returns the bytes forwarded during the last second.
func (m *Manager) Now() (up int64, down int64) {
	return m.uploadBlip.Load(), m.downloadBlip.Load()
}

func (m *Manager) Snapshot() *Snapshot {
	dropped := map[string]int64{}
	m.dropped.Range(func(key string, counter *xsync.Counter) bool {
		dropped[key] = counter.Value()
		return true
	})

	var memory uint64
	if info, err := m.process.MemoryInfo(); err == nil {
		memory = info.RSS
	}

	return &Snapshot{
		UploadTotal:     m.uploadTotal.Load(),
		DownloadTotal:   m.downloadTotal.Load(),
		UploadPackets:   m.uploadPackets.Load(),
		DownloadPackets: m.downloadPackets.Load(),
		Dropped:         dropped,
		DroppedTotal:    lo.Sum(lo.Values(dropped)),
		Warnings:        m.LogEvents(log.WARNING),
		Errors:          m.LogEvents(log.ERROR),
		Memory:          memory,
	}
}

func (m *Manager) ResetStatistic() {
	m.uploadTemp.Store(0)
	m.uploadBlip.Store(0)
	m.uploadTotal.Store(0)
	m.downloadTemp.Store(0)
	m.downloadBlip.Store(0)
	m.downloadTotal.Store(0)
	m.uploadPackets.Store(0)
	m.downloadPackets.Store(0)
	m.dropped.Clear()
	m.events.Clear()
}

func (m *Manager) handle() {
	m.uploadBlip.Store(m.uploadTemp.Drain())
	m.downloadBlip.Store(m.downloadTemp.Drain())
}

// Report logs the current totals.
func (m *Manager) Report() {
	snapshot := m.Snapshot()
	up, down := m.Now()
	log.WithFields(log.Fields{
		"up":        snapshot.UploadTotal,
		"down":      snapshot.DownloadTotal,
		"up_pkts":   snapshot.UploadPackets,
		"down_pkts": snapshot.DownloadPackets,
		"dropped":   snapshot.DroppedTotal,
		"warnings":  snapshot.Warnings,
		"errors":    snapshot.Errors,
		"up_rate":   up,
		"down_rate": down,
		"memory":    snapshot.Memory,
	}).Infoln("[STAT] traffic")
}

// Run refreshes the per-second rates and logs a report every interval until
// ctx is done. A non-positive interval disables reporting.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.handle()
			if now.Sub(last) >= interval {
				last = now
				m.Report()
			}
		}
	}
}

type Snapshot struct {
	DownloadTotal   int64            `json:"downloadTotal"`
	UploadTotal     int64            `json:"uploadTotal"`
	DownloadPackets int64            `json:"downloadPackets"`
	UploadPackets   int64            `json:"uploadPackets"`
	Dropped         map[string]int64 `json:"dropped"`
	DroppedTotal    int64            `json:"droppedTotal"`
	Warnings        int64            `json:"warnings"`
	Errors          int64            `json:"errors"`
	Memory          uint64           `json:"memory"`
}
