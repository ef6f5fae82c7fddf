package tfrc

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	maxSmoothedRTTReports = 10

	// maxLossReports is the maximum number of loss reports to keep in the RFC8083 loss event window
	// TODO: CB_INTERVAL = ceil(3*min(max(10*G*Tf, 10*Tr, 3*Tdr), max(15, 3*Td))/(3*Tdr)) as per RFC8083 4.2
	maxLossReports = 10

	// sendRateWindow is the trailing window the measured send rate is taken over
	sendRateWindow = time.Second

	ntpEpochOffset = 2208988800
)

// RateSource reports a measured rate in bytes/sec over a trailing window.
type RateSource interface {
	Rate(window time.Duration) float64
}

type Tfrc struct {
	// TFRC parameters
	smoothedRTT        float64
	smoothedRTTHistory *boundedHistory[float64]

	// pSample last fraction lost sample
	pSample float64

	// rttSample last RTT sample
	rttSample float64

	// TTR parameters
	ttrParamsAlpha float64
	avgPacketSize  float64

	// rate limits Kbps
	minBitrate     int
	maxBitrate     int
	currentBitrate int

	// RFC8083 loss event window
	lossReports        *boundedHistory[lossReport]
	lastLossReportTime time.Time

	// sendRate is the measured outgoing rate, nil when not measured
	sendRate RateSource

	log *zap.Logger
}

// Option configures a Tfrc controller.
type Option func(*Tfrc)

// WithLogger sets the logger used for rate computation diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tfrc) {
		t.log = l
	}
}

// WithSendRate caps the computed rate at twice the measured send rate
// (RFC 5348 4.3), using the sender's own measurement in place of X_recv.
func WithSendRate(r RateSource) Option {
	return func(t *Tfrc) {
		t.sendRate = r
	}
}

func New(init, min, max int, opts ...Option) *Tfrc {
	if init < min || init > max {
		panic(fmt.Sprintf("Initial bitrate %d must be between min %d and max %d", init, min, max))
	}
	if min <= 0 || max <= 0 || init <= 0 {
		panic(fmt.Sprintf("Bitrate limits must be positive: min %d, max %d", min, max))
	}
	if min > max {
		panic(fmt.Sprintf("Min bitrate %d cannot be greater than max bitrate %d", min, max))
	}
	if init < 500 || min < 500 || max < 500 {
		panic(fmt.Sprintf("Bitrate must be at least 500 Kbps: init %d, min %d, max %d", init, min, max))
	}

	t := &Tfrc{
		smoothedRTTHistory: newBoundedHistory[float64](maxSmoothedRTTReports),
		smoothedRTT:        0.1,    // initial RTT estimate
		ttrParamsAlpha:     0.2,    // smoothing factor
		avgPacketSize:      1200.0, // average RTP payload size
		minBitrate:         min,    // Kbps
		maxBitrate:         max,
		currentBitrate:     init,
		lossReports:        newBoundedHistory[lossReport](maxLossReports),
		lastLossReportTime: time.Now(),
		log:                zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PreProcessRTCP processes RTCP packets before computing bitrate
func (t *Tfrc) PreProcessRTCP(now time.Time, lsr, delay uint32, fractionLost uint8) {
	// 1. Compute RTT sample from LSR and delay
	rttSample := t.computeRTTSample(lsr, delay)

	// 2. Update smoothed RTT history
	t.updateSmoothedRTT(rttSample)

	// 3. compute loss event rate and record loss event
	t.recordLossEvent(fractionLost, now)
}

// recordLossEvent appends fractionLost sample and interval
func (t *Tfrc) recordLossEvent(fractionLost uint8, now time.Time) {
	t.pSample = float64(fractionLost) / 256.0
	interval := now.Sub(t.lastLossReportTime)
	t.lossReports.add(lossReport{fraction: t.pSample, interval: interval})
	t.lastLossReportTime = now
}

// Return the last recorded fraction lost
func (t *Tfrc) GetLastFraction() float64 {
	return t.pSample
}

// computeLossEventRate calculates p via RFC8083 time-weighted average
func (t *Tfrc) computeLossEventRate() float64 {
	var num, den float64
	for i := 0; i < t.lossReports.len(); i++ {
		r := t.lossReports.at(i)
		sec := r.interval.Seconds()
		num += r.fraction * sec
		den += sec
	}
	if den <= 0 {
		return 0
	}
	return num / den
}

// computeRTTTrend returns -1 (decreasing), 0 (stable), or 1 (increasing)
// TODO: better approach to detect RTT trend
func (t *Tfrc) computeRTTTrend() int {
	n := t.smoothedRTTHistory.len()
	if n <= 2 {
		return 1 // hold for a while until we have enough data
	}
	half := n / 2
	var oldSum, newSum float64
	for i := 0; i < half; i++ {
		oldSum += t.smoothedRTTHistory.at(i)
	}
	for i := half; i < n; i++ {
		newSum += t.smoothedRTTHistory.at(i)
	}
	oldAvg := oldSum / float64(half)
	newAvg := newSum / float64(n-half)
	// Thresholds ±20%
	if newAvg > oldAvg*1.2 {
		return 1
	} else if newAvg < oldAvg*0.8 {
		return -1
	}
	return 0
}

// computeRTTSample computes RTT sample based on LSR and delay
func (t *Tfrc) computeRTTSample(lsr, delay uint32) float64 {
	now32 := nowMiddle32()
	rtt := max(now32-(lsr+delay), 0)
	t.rttSample = float64(rtt) / 65536.0
	return t.rttSample
}

// GetRttSample returns the last RTT sample
func (t *Tfrc) GetRttSample() float64 {
	return t.rttSample
}

// updateSmoothedRTT applies exponential smoothing to the RTT sample
// Smooth RTT: R <- 0.8·R + 0.2·RTT_sample (RTT_sample from LSR/DLSR)
func (t *Tfrc) updateSmoothedRTT(rtt float64) {
	t.smoothedRTT = (1-t.ttrParamsAlpha)*t.smoothedRTT + t.ttrParamsAlpha*rtt
	t.smoothedRTTHistory.add(t.smoothedRTT)
}

// Return the current smoothed RTT
func (t *Tfrc) GetSmoothedRTT() float64 {
	return t.smoothedRTT
}

// nowMiddle32 returns the "LSR"‐style 32‐bit value:
// upper 16 bits = least significant 16 bits of seconds since NTP epoch
// lower 16 bits = most significant 16 bits of the fractional second
//
//nolint:gosec
func nowMiddle32() uint32 {
	t := time.Now().UTC()
	// Full seconds since NTP epoch
	secs := uint64(t.Unix()) + ntpEpochOffset
	// Full 32‐bit fraction of a second
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9

	// Take low 16 bits of secs, high 16 bits of frac
	secs16 := uint32(secs & 0xFFFF)
	frac16 := uint32(frac >> 16)

	return (secs16 << 16) | frac16
}

// ComputeTFRCBitrate computes the TFRC bitrate based on RFC 5348 and RFC 8083
func (t *Tfrc) ComputeTFRCBitrate() int {
	t.log.Debug("computing bitrate", zap.Int("current_kbps", t.currentBitrate))

	// 1. Calculate loss-event rate p via RFC8083
	p := t.computeLossEventRate()

	// 2. Check if loss is zero
	// TODO: improve this approach: if RTT is stable/decreasing, cautiously increase bitrate 5%?
	if p <= 0 {
		if t.computeRTTTrend() == 1 {
			// RTT increasing: hold current bitrate
			t.log.Debug("RTT increasing, holding bitrate", zap.Int("kbps", t.currentBitrate))
			return t.currentBitrate
		}
		// RTT stable or decreasing: ramp toward ceiling
		t.log.Debug("RTT stable or decreasing, ramping toward max", zap.Int("max_kbps", t.maxBitrate))
		return t.smoothRate(t.currentBitrate, t.capToSendRate(t.maxBitrate))
	}

	// 3. Calculate RTO and terms
	R := t.smoothedRTT
	rto := 4 * R
	term1 := R * math.Sqrt(2*p/3)
	term2 := rto * (3 * math.Sqrt(3*p/8) * p * (1 + 32*p*p))
	if term1+term2 <= 0 {
		t.log.Warn("invalid TFRC parameters, keeping bitrate", zap.Float64("p", p), zap.Float64("rtt", R))
		return t.currentBitrate
	}

	// 4. Throughput in bytes/sec
	x := t.avgPacketSize / (term1 + term2)
	// Convert to Kbps
	targetKbps := int(x * 8 / 1000)
	t.log.Debug("TFRC target",
		zap.Float64("p", p),
		zap.Float64("rtt", R),
		zap.Float64("rto", rto),
		zap.Float64("x_bps", x),
		zap.Int("target_kbps", targetKbps),
	)

	// 5. Limit to what we are actually able to send
	targetKbps = t.capToSendRate(targetKbps)

	// 6. Smooth toward target
	return t.smoothRate(t.currentBitrate, targetKbps)
}

// capToSendRate limits target to twice the measured send rate, if any
func (t *Tfrc) capToSendRate(target int) int {
	if t.sendRate == nil {
		return target
	}
	rate := t.sendRate.Rate(sendRateWindow)
	if rate <= 0 {
		return target
	}
	limit := int(2 * rate * 8 / 1000)
	if target > limit {
		t.log.Debug("target capped by send rate", zap.Int("target_kbps", target), zap.Int("limit_kbps", limit))
		return limit
	}
	return target
}

// smoothRate applies exponential smoothing toward target
func (t *Tfrc) smoothRate(current, target int) int {
	newRate := int(float64(current) + t.ttrParamsAlpha*(float64(target)-float64(current)))
	if newRate < t.minBitrate {
		newRate = t.minBitrate
	} else if newRate > t.maxBitrate {
		newRate = t.maxBitrate
	}
	t.log.Debug("TFRC smoothed", zap.Int("target_kbps", target), zap.Int("kbps", newRate))
	t.currentBitrate = newRate
	return newRate
}
