package statistic

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/metacubex/ipowd/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Counters(t *testing.T) {
	m := NewManager()
	m.PushUploaded(37)
	m.PushUploaded(3)
	m.PushDownloaded(100)
	m.PushDropped(DirectionUpload, "no-peer")
	m.PushDropped(DirectionUpload, "no-peer")
	m.PushDropped(DirectionDownload, "malformed")

	assert.Equal(t, int64(2), m.Dropped(DirectionUpload, "no-peer"))
	assert.Equal(t, int64(1), m.Dropped(DirectionDownload, "malformed"))
	assert.Equal(t, int64(0), m.Dropped(DirectionUpload, "would-block"))

	snapshot := m.Snapshot()
	assert.Equal(t, int64(40), snapshot.UploadTotal)
	assert.Equal(t, int64(100), snapshot.DownloadTotal)
	assert.Equal(t, int64(2), snapshot.UploadPackets)
	assert.Equal(t, int64(1), snapshot.DownloadPackets)
	assert.Equal(t, int64(3), snapshot.DroppedTotal)
	assert.Equal(t, map[string]int64{"upload/no-peer": 2, "download/malformed": 1}, snapshot.Dropped)

	buf, err := json.Marshal(snapshot)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"uploadTotal":40`)
}

func TestManager_Blip(t *testing.T) {
	m := NewManager()
	m.PushUploaded(10)
	m.PushDownloaded(20)

	up, down := m.Now()
	assert.Zero(t, up)
	assert.Zero(t, down)

	m.handle()
	up, down = m.Now()
	assert.Equal(t, int64(10), up)
	assert.Equal(t, int64(20), down)

	m.handle()
	up, _ = m.Now()
	assert.Zero(t, up)
}

func TestManager_Reset(t *testing.T) {
	m := NewManager()
	m.PushUploaded(10)
	m.PushDropped(DirectionUpload, "oversize")
	m.ResetStatistic()

	snapshot := m.Snapshot()
	assert.Zero(t, snapshot.UploadTotal)
	assert.Zero(t, snapshot.DroppedTotal)
	assert.Empty(t, snapshot.Dropped)
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.PushUploaded(1)
				m.PushDropped(DirectionUpload, "would-block")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8000), m.Snapshot().UploadTotal)
	assert.Equal(t, int64(8000), m.Dropped(DirectionUpload, "would-block"))
}

func TestManager_RunStops(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Second)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}

	// disabled reporting returns at once
	m.Run(context.Background(), 0)
}

func TestManager_Watch(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx)
	}()

	// the subscription is made inside Watch, keep logging until it is seen
	assert.Eventually(t, func() bool {
		log.Warnln("[STAT] watch test warning")
		log.Errorln("[STAT] watch test error")
		return m.LogEvents(log.WARNING) > 0 && m.LogEvents(log.ERROR) > 0
	}, 2*time.Second, 10*time.Millisecond)

	snapshot := m.Snapshot()
	assert.Greater(t, snapshot.Warnings, int64(0))
	assert.Greater(t, snapshot.Errors, int64(0))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
