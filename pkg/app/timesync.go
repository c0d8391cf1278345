package app

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/transport"
)

// TimesyncCommandGetTime asks the timesync service for its current time.
const TimesyncCommandGetTime uint16 = 0x0001

// timesyncResponseLen is a full header plus the 8-byte service time.
const timesyncResponseLen = HeaderLen + 8

// defaultTimesyncMeasurements is how many round trips one offset
// measurement takes by default; the lowest-RTT sample wins.
const defaultTimesyncMeasurements = 5

// timesyncRefreshTimerKey identifies the background refresh timer. It
// sits above the request timeout key space, which packs a handle and a
// transaction into the low 16 bits.
const timesyncRefreshTimerKey transport.TimerKey = 1 << 16

// TimesyncResult is the outcome of a time offset measurement.
type TimesyncResult struct {
	// Error is ErrorNone once a measurement has completed.
	Error Error

	// Offset is the service clock minus the local clock, corrected for
	// half the round trip.
	Offset time.Duration

	// RTT is the round trip time of the winning sample.
	RTT time.Duration

	// MeasuredAt is when the winning sample arrived; zero before the
	// first successful measurement.
	MeasuredAt time.Time
}

// timesyncClientState holds the measurement in progress and the cached
// result.
type timesyncClientState struct {
	mu      sync.Mutex
	result  TimesyncResult
	bestRTT time.Duration
	rr      RequestResponseState
}

// timesyncServiceRequest answers a GetTime request with the local clock
// in nanoseconds.
func (a *App) timesyncServiceRequest(req Header) bool {
	if req.Command != TimesyncCommandGetTime {
		return false
	}

	resp := req
	resp.Type = MessageTypeServiceResponse
	resp.Error = ErrorNone
	buf := a.transport.BufferPool().GetSize(timesyncResponseLen)
	EncodeHeaderTo(buf, resp)
	binary.LittleEndian.PutUint64(buf[HeaderLen:], uint64(time.Now().UnixNano()))

	if !a.transport.EnqueueTxDatagram(buf) {
		logging.Error("could not enqueue timesync response",
			zap.String("instance", a.name),
			zap.Uint8("transaction", req.Transaction))
	}
	return true
}

// MeasureTimeOffset measures the peer clock offset over several GetTime
// round trips, keeping the lowest-RTT sample. timeout bounds each
// individual round trip.
func (a *App) MeasureTimeOffset(timeout time.Duration) TimesyncResult {
	ts := &a.timesync

	ts.mu.Lock()
	if ts.result.Error == ErrorBlocked {
		res := ts.result
		ts.mu.Unlock()
		logging.Error("timesync measurement already in progress",
			zap.String("instance", a.name))
		return res
	}
	ts.result = TimesyncResult{Error: ErrorBlocked}
	ts.bestRTT = math.MaxInt64
	ts.mu.Unlock()

	for i := 0; i < a.timesyncMeasurements; i++ {
		ts.mu.Lock()
		blocked := ts.result.Error == ErrorBlocked
		ts.mu.Unlock()
		if !blocked {
			break
		}

		buf := a.timesyncEP.NewRequestCommand(TimesyncCommandGetTime)
		if !a.timesyncEP.SendTimestampedRequestAndWait(&ts.rr, buf, timeout) {
			ts.mu.Lock()
			// Keep a more specific error the response handler recorded.
			if ts.result.Error == ErrorBlocked {
				ts.result.Error = ErrorUnspecified
			}
			ts.mu.Unlock()
		}
	}

	ts.mu.Lock()
	if ts.result.Error == ErrorBlocked {
		ts.result.Error = ErrorNone
		logging.Info("timesync measurement complete",
			zap.String("instance", a.name),
			zap.Duration("offset", ts.result.Offset),
			zap.Duration("rtt", ts.result.RTT))
	} else {
		logging.Error("timesync measurement failed",
			zap.String("instance", a.name),
			zap.String("error", ts.result.Error.String()))
	}
	res := ts.result
	ts.mu.Unlock()
	return res
}

// TimeOffset returns the cached offset measurement, re-measuring when
// none exists or the cached one is older than maxAge.
func (a *App) TimeOffset(maxAge, timeout time.Duration) TimesyncResult {
	a.timesync.mu.Lock()
	res := a.timesync.result
	a.timesync.mu.Unlock()

	switch {
	case res.Error == ErrorBlocked:
		return res
	case res.Error == ErrorNone && !res.MeasuredAt.IsZero() && time.Since(res.MeasuredAt) <= maxAge:
		return res
	default:
		return a.MeasureTimeOffset(timeout)
	}
}

// refreshTimeOffset runs one background offset measurement. It waits for
// the transport to synchronize and stands down while a foreground
// measurement is in flight.
func (a *App) refreshTimeOffset() {
	if a.transport.State() != transport.ResetStateNone {
		return
	}
	a.timesync.mu.Lock()
	busy := a.timesync.result.Error == ErrorBlocked
	a.timesync.mu.Unlock()
	if busy {
		return
	}
	a.MeasureTimeOffset(a.requestTimeout)
}

// timesyncClientResponse folds one GetTime response into the measurement
// in progress.
func (a *App) timesyncClientResponse(ep *ClientEndpoint, h Header, buf []byte) bool {
	if h.Command != TimesyncCommandGetTime {
		return false
	}
	ts := &a.timesync

	if h.Error != ErrorNone {
		ts.mu.Lock()
		ts.result.Error = h.Error
		ts.mu.Unlock()
		return true
	}
	if len(buf) != timesyncResponseLen {
		ts.mu.Lock()
		ts.result.Error = ErrorInvalidLength
		ts.mu.Unlock()
		logging.Error("timesync response has wrong length",
			zap.String("instance", a.name),
			zap.Int("length", len(buf)),
			zap.Int("expected", timesyncResponseLen))
		return false
	}
	if !ep.TimestampResponse(&ts.rr, h) {
		return false
	}

	serviceTime := binary.LittleEndian.Uint64(buf[HeaderLen:])
	rtt := ts.rr.ResponseTime.Sub(ts.rr.RequestTime)

	ts.mu.Lock()
	updated := rtt < ts.bestRTT
	if updated {
		ts.bestRTT = rtt
		offsetNs := int64(serviceTime) - ts.rr.RequestTime.UnixNano() - rtt.Nanoseconds()/2
		ts.result.Offset = time.Duration(offsetNs)
		ts.result.RTT = rtt
		ts.result.MeasuredAt = ts.rr.ResponseTime
	}
	ts.mu.Unlock()

	logging.Debug("timesync sample processed",
		zap.String("instance", a.name),
		zap.Uint64("serviceTime", serviceTime),
		zap.Duration("rtt", rtt),
		zap.Bool("kept", updated))
	return true
}
