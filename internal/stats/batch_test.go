// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	mu             sync.Mutex
	failTraffic    bool
	failCountries  bool
	trafficBatches [][]BufferedDelta
	countryBatches [][]GeoResult
	blockTraffic   chan struct{} // when set, traffic writes wait here
}

func (w *captureWriter) BatchUpdateTrafficStats(_ context.Context, _ int, rows []BufferedDelta) error {
	if w.blockTraffic != nil {
		<-w.blockTraffic
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failTraffic {
		return fmt.Errorf("write failed")
	}
	w.trafficBatches = append(w.trafficBatches, rows)
	return nil
}

func (w *captureWriter) BatchUpdateCountryStats(_ context.Context, _ int, results []GeoResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failCountries {
		return fmt.Errorf("write failed")
	}
	w.countryBatches = append(w.countryBatches, results)
	return nil
}

func delta(domain, ip string, up, down int64) TrafficDelta {
	return TrafficDelta{
		Domain: domain, IP: ip, SourceIP: "192.168.1.2",
		Chains: []string{"ProxyA", "Select"}, Rule: "Match",
		Upload: up, Download: down, Timestamp: time.Now(),
	}
}

func TestBatchBuffer_AddOrderIndependent(t *testing.T) {
	a := delta("a.com", "1.1.1.1", 100, 200)
	a.Timestamp = time.Date(2026, 3, 1, 12, 30, 10, 0, time.UTC)
	b := delta("a.com", "1.1.1.1", 7, 13)
	b.Timestamp = a.Timestamp.Add(time.Second)

	flushTotals := func(first, second TrafficDelta) (int64, int64) {
		buf := NewBatchBuffer()
		buf.Add(1, first, 1)
		buf.Add(1, second, 0)

		w := &captureWriter{}
		res, err := buf.Flush(context.Background(), w, 1)
		require.NoError(t, err)
		require.Equal(t, 1, res.Rows)
		row := w.trafficBatches[0][0]
		return row.Upload, row.Download
	}

	up1, down1 := flushTotals(a, b)
	up2, down2 := flushTotals(b, a)

	assert.Equal(t, int64(107), up1)
	assert.Equal(t, int64(213), down1)
	assert.Equal(t, up1, up2)
	assert.Equal(t, down1, down2)
}

func TestBatchBuffer_CeilingDropsNewRows(t *testing.T) {
	b := NewBatchBuffer()
	b.maxRows = 2

	b.Add(1, delta("a.com", "1.1.1.1", 100, 200), 1)
	b.Add(1, delta("b.com", "2.2.2.2", 10, 10), 1)
	b.Add(1, delta("c.com", "3.3.3.3", 5, 5), 1)

	assert.Equal(t, 2, b.Size(1))
	assert.Equal(t, int64(1), b.Dropped(1))

	// Merges into existing rows are still accepted at the ceiling.
	b.Add(1, delta("a.com", "1.1.1.1", 50, 50), 0)
	assert.Equal(t, 2, b.Size(1))
	assert.Equal(t, int64(1), b.Dropped(1))

	// A successful flush frees capacity for new rows.
	w := &captureWriter{}
	res, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	require.True(t, res.TrafficOK)

	b.Add(1, delta("c.com", "3.3.3.3", 5, 5), 1)
	assert.Equal(t, 1, b.Size(1))
	assert.Equal(t, int64(1), b.Dropped(1))
}

func TestBatchBuffer_AddCollapsesSameKey(t *testing.T) {
	b := NewBatchBuffer()
	b.Add(1, delta("a.com", "1.1.1.1", 100, 200), 1)
	b.Add(1, delta("a.com", "1.1.1.1", 50, 60), 0)
	b.Add(1, delta("b.com", "1.1.1.1", 10, 10), 1)

	assert.Equal(t, 2, b.Size(1))

	w := &captureWriter{}
	res, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)

	var aRow *BufferedDelta
	for i := range w.trafficBatches[0] {
		if w.trafficBatches[0][i].Domain == "a.com" {
			aRow = &w.trafficBatches[0][i]
		}
	}
	require.NotNil(t, aRow)
	assert.Equal(t, int64(150), aRow.Upload)
	assert.Equal(t, int64(260), aRow.Download)
	assert.Equal(t, int64(1), aRow.Connections)
	assert.Equal(t, "ProxyA", aRow.Chain)
	assert.Equal(t, "ProxyA > Select", aRow.FullChain)
	assert.Equal(t, "Select", aRow.RuleLabel)
}

func TestBatchBuffer_BackendsAreIndependent(t *testing.T) {
	b := NewBatchBuffer()
	b.Add(1, delta("a.com", "1.1.1.1", 1, 1), 1)
	b.Add(2, delta("a.com", "1.1.1.1", 1, 1), 1)

	assert.Equal(t, 1, b.Size(1))
	assert.Equal(t, 1, b.Size(2))

	w := &captureWriter{}
	_, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Size(1))
	assert.Equal(t, 1, b.Size(2), "flushing one backend must not touch another's rows")
}

func TestBatchBuffer_FlushEmpty(t *testing.T) {
	b := NewBatchBuffer()
	w := &captureWriter{}
	res, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	assert.False(t, res.DidWork)
	assert.Empty(t, w.trafficBatches)
}

func TestBatchBuffer_FailedFlushRestoresRows(t *testing.T) {
	b := NewBatchBuffer()
	b.Add(1, delta("a.com", "1.1.1.1", 100, 200), 1)

	w := &captureWriter{failTraffic: true}
	_, err := b.Flush(context.Background(), w, 1)
	require.Error(t, err)
	assert.Equal(t, 1, b.Size(1))

	// Traffic added during the failed window merges with the restored rows.
	b.Add(1, delta("a.com", "1.1.1.1", 10, 10), 0)
	assert.Equal(t, 1, b.Size(1))

	w.mu.Lock()
	w.failTraffic = false
	w.mu.Unlock()

	res, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)
	assert.Equal(t, int64(110), w.trafficBatches[0][0].Upload)
	assert.Equal(t, int64(1), w.trafficBatches[0][0].Connections)
}

func TestBatchBuffer_ConcurrentFlushSkips(t *testing.T) {
	b := NewBatchBuffer()
	b.Add(1, delta("a.com", "1.1.1.1", 1, 1), 1)

	block := make(chan struct{})
	w := &captureWriter{blockTraffic: block}

	done := make(chan FlushResult, 1)
	go func() {
		res, _ := b.Flush(context.Background(), w, 1)
		done <- res
	}()

	// Wait for the first flush to detach and block inside the writer.
	require.Eventually(t, func() bool { return b.Size(1) == 0 }, time.Second, 5*time.Millisecond)

	res2, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	assert.True(t, res2.Skipped)

	close(block)
	res1 := <-done
	assert.True(t, res1.TrafficOK)
}

func TestBatchBuffer_GeoResultsFlushIndependently(t *testing.T) {
	b := NewBatchBuffer()
	b.Add(1, delta("a.com", "1.1.1.1", 1, 1), 1)
	b.AddGeoResult(1, GeoResult{IP: "1.1.1.1", Country: "DE", Upload: 1, Download: 1, Timestamp: time.Now()})
	b.AddGeoResult(1, GeoResult{IP: "9.9.9.9", Country: "", Upload: 1, Download: 1, Timestamp: time.Now()})

	w := &captureWriter{failTraffic: true}
	_, err := b.Flush(context.Background(), w, 1)
	require.Error(t, err)

	// The country write succeeded even though traffic failed, and unresolved
	// entries were filtered out.
	require.Len(t, w.countryBatches, 1)
	require.Len(t, w.countryBatches[0], 1)
	assert.Equal(t, "DE", w.countryBatches[0][0].Country)

	// Only the traffic side is retried.
	w.mu.Lock()
	w.failTraffic = false
	w.mu.Unlock()
	res, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	assert.True(t, res.TrafficOK)
	require.Len(t, w.countryBatches, 1)
}

func TestBatchBuffer_FailedCountryWriteRestores(t *testing.T) {
	b := NewBatchBuffer()
	b.AddGeoResult(1, GeoResult{IP: "1.1.1.1", Country: "DE", Upload: 5, Download: 5, Timestamp: time.Now()})

	w := &captureWriter{failCountries: true}
	_, err := b.Flush(context.Background(), w, 1)
	require.Error(t, err)
	assert.True(t, b.HasPending(1))

	w.mu.Lock()
	w.failCountries = false
	w.mu.Unlock()
	res, err := b.Flush(context.Background(), w, 1)
	require.NoError(t, err)
	assert.True(t, res.CountriesOK)
	require.Len(t, w.countryBatches, 1)
}
