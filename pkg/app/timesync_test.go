package app

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==================== Timesync Tests ====================

// timesyncResponseBytes builds a GetTime response carrying serviceTime.
func timesyncResponseBytes(transaction uint8, e Error, serviceTime int64) []byte {
	buf := make([]byte, timesyncResponseLen)
	EncodeHeaderTo(buf, Header{
		Handle:      HandleTimesync,
		Type:        MessageTypeServiceResponse,
		Transaction: transaction,
		Error:       e,
		Command:     TimesyncCommandGetTime,
	})
	binary.LittleEndian.PutUint64(buf[HeaderLen:], uint64(serviceTime))
	return buf
}

// primeTimesync marks a measurement in flight and timestamps a request,
// as MeasureTimeOffset would.
func primeTimesync(a *App) {
	a.timesync.mu.Lock()
	a.timesync.result = TimesyncResult{Error: ErrorBlocked}
	a.timesync.bestRTT = math.MaxInt64
	a.timesync.mu.Unlock()
	a.timesyncEP.TimestampRequest(&a.timesync.rr, Header{
		Handle:  HandleTimesync,
		Command: TimesyncCommandGetTime,
	})
}

func timesyncResult(a *App) TimesyncResult {
	a.timesync.mu.Lock()
	defer a.timesync.mu.Unlock()
	return a.timesync.result
}

// TestTimesyncServiceAnswersOnlyGetTime verifies the service side
// recognizes exactly the GetTime command.
func TestTimesyncServiceAnswersOnlyGetTime(t *testing.T) {
	a := newTestApp(t, DefaultConfig())

	assert.True(t, a.timesyncServiceRequest(Header{
		Handle:  HandleTimesync,
		Command: TimesyncCommandGetTime,
	}))
	assert.False(t, a.timesyncServiceRequest(Header{
		Handle:  HandleTimesync,
		Command: 0x0099,
	}))
}

// TestTimesyncResponseComputesOffset verifies the offset math: service
// clock minus local clock, corrected for half the round trip.
func TestTimesyncResponseComputesOffset(t *testing.T) {
	a := newTestApp(t, DefaultConfig())
	primeTimesync(a)

	serviceTime := time.Now().Add(time.Second).UnixNano()
	resp := timesyncResponseBytes(0, ErrorNone, serviceTime)
	require.True(t, a.timesyncClientResponse(a.timesyncEP, DecodeHeader(resp), resp))

	res := timesyncResult(a)
	assert.False(t, res.MeasuredAt.IsZero())
	assert.GreaterOrEqual(t, res.RTT, time.Duration(0))
	assert.InDelta(t, float64(time.Second), float64(res.Offset),
		float64(100*time.Millisecond))
}

// TestTimesyncKeepsLowestRTTSample verifies a slower round trip never
// replaces the best sample.
func TestTimesyncKeepsLowestRTTSample(t *testing.T) {
	a := newTestApp(t, DefaultConfig())
	primeTimesync(a)

	resp := timesyncResponseBytes(0, ErrorNone, time.Now().UnixNano())
	require.True(t, a.timesyncClientResponse(a.timesyncEP, DecodeHeader(resp), resp))
	first := timesyncResult(a)

	// Make the recorded sample unbeatable, then deliver another.
	a.timesync.mu.Lock()
	a.timesync.bestRTT = 1
	a.timesync.mu.Unlock()

	a.timesyncEP.TimestampRequest(&a.timesync.rr, Header{
		Handle:      HandleTimesync,
		Transaction: 1,
		Command:     TimesyncCommandGetTime,
	})
	resp = timesyncResponseBytes(1, ErrorNone, time.Now().Add(time.Hour).UnixNano())
	require.True(t, a.timesyncClientResponse(a.timesyncEP, DecodeHeader(resp), resp))

	res := timesyncResult(a)
	assert.Equal(t, first.Offset, res.Offset)
	assert.Equal(t, first.MeasuredAt, res.MeasuredAt)
}

// TestTimesyncErrorResponseEndsMeasurement verifies a service-reported
// error is recorded and accepted, so a waiting measurement stops.
func TestTimesyncErrorResponseEndsMeasurement(t *testing.T) {
	a := newTestApp(t, DefaultConfig())
	primeTimesync(a)

	resp := timesyncResponseBytes(0, ErrorTimeout, 0)[:HeaderLen]
	require.True(t, a.timesyncClientResponse(a.timesyncEP, DecodeHeader(resp), resp))
	assert.Equal(t, ErrorTimeout, timesyncResult(a).Error)
}

// TestTimesyncWrongLengthRejected verifies malformed responses are
// refused and recorded as a length error.
func TestTimesyncWrongLengthRejected(t *testing.T) {
	a := newTestApp(t, DefaultConfig())
	primeTimesync(a)

	resp := timesyncResponseBytes(0, ErrorNone, time.Now().UnixNano())
	require.False(t, a.timesyncClientResponse(a.timesyncEP, DecodeHeader(resp), resp[:HeaderLen+4]))
	assert.Equal(t, ErrorInvalidLength, timesyncResult(a).Error)
}

// TestTimesyncPeriodicRefresh verifies the background refresh measures
// the peer offset by itself once the pair is synchronized, with no
// explicit MeasureTimeOffset call.
func TestTimesyncPeriodicRefresh(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimesyncRefreshInterval = 20 * time.Millisecond
	aa, _ := startAppPairCfg(t, cfg, DefaultConfig(), nil, nil)

	require.Eventually(t, func() bool {
		res := timesyncResult(aa)
		return res.Error == ErrorNone && !res.MeasuredAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond, "background refresh never completed")
}

// TestTimeOffsetServesCachedResult verifies a fresh measurement is
// returned without touching the wire.
func TestTimeOffsetServesCachedResult(t *testing.T) {
	a := newTestApp(t, DefaultConfig())

	cached := TimesyncResult{
		Error:      ErrorNone,
		Offset:     123 * time.Millisecond,
		RTT:        time.Millisecond,
		MeasuredAt: time.Now(),
	}
	a.timesync.mu.Lock()
	a.timesync.result = cached
	a.timesync.mu.Unlock()

	res := a.TimeOffset(time.Minute, 10*time.Millisecond)
	assert.Equal(t, cached, res)
}

// TestTimeOffsetRemeasuresWhenStale verifies an aged-out measurement
// triggers a new exchange rather than serving the cache.
func TestTimeOffsetRemeasuresWhenStale(t *testing.T) {
	a := newTestApp(t, DefaultConfig())

	a.timesync.mu.Lock()
	a.timesync.result = TimesyncResult{
		Error:      ErrorNone,
		Offset:     123 * time.Millisecond,
		MeasuredAt: time.Now().Add(-time.Hour),
	}
	a.timesync.mu.Unlock()

	// No peer answers, so the re-measurement fails fast; what matters is
	// that the cache was not served.
	res := a.TimeOffset(time.Minute, 10*time.Millisecond)
	assert.Equal(t, ErrorUnspecified, res.Error)
}
