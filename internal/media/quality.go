package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// QualityLevel is the coarse connection quality surfaced to the UI.
type QualityLevel string

const (
	QualityGood    QualityLevel = "good"
	QualityAverage QualityLevel = "average"
	QualityPoor    QualityLevel = "poor"
)

// sampleInterval is how often the monitor re-evaluates quality.
const sampleInterval = 4 * time.Second

// classifyLoss maps a packet-loss percentage onto a quality level.
// Approximate by design: loss above 20% is poor, 5-20% average, below good.
func classifyLoss(lossPct float64) QualityLevel {
	switch {
	case lossPct > 20:
		return QualityPoor
	case lossPct >= 5:
		return QualityAverage
	default:
		return QualityGood
	}
}

// qualityMonitor derives a quality level from RTCP receiver reports: the
// remote peer's reported fraction of lost packets on each outbound stream.
type qualityMonitor struct {
	mu       sync.Mutex
	lossPct  float64
	level    QualityLevel
	subs     map[chan QualityLevel]struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func newQualityMonitor() *qualityMonitor {
	return &qualityMonitor{
		level: QualityGood,
		subs:  make(map[chan QualityLevel]struct{}),
		done:  make(chan struct{}),
	}
}

// watchSender spawns a reader for the sender's RTCP stream and starts the
// sampling ticker on first use.
func (q *qualityMonitor) watchSender(sender *webrtc.RTPSender) {
	go q.readLoop(sender)

	q.mu.Lock()
	if !q.started {
		q.started = true
		go q.sampleLoop()
	}
	q.mu.Unlock()
}

func (q *qualityMonitor) readLoop(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				// FractionLost is an 8-bit fixed-point fraction of 256.
				q.record(float64(report.FractionLost) / 256 * 100)
			}
		}
	}
}

func (q *qualityMonitor) record(lossPct float64) {
	q.mu.Lock()
	q.lossPct = lossPct
	q.mu.Unlock()
}

func (q *qualityMonitor) sampleLoop() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.sample()
		}
	}
}

func (q *qualityMonitor) sample() {
	q.mu.Lock()
	level := classifyLoss(q.lossPct)
	changed := level != q.level
	q.level = level
	var subs []chan QualityLevel
	if changed {
		for ch := range q.subs {
			subs = append(subs, ch)
		}
	}
	lossPct := q.lossPct
	q.mu.Unlock()

	if !changed {
		return
	}
	logrus.WithFields(logrus.Fields{
		"loss":    lossPct,
		"quality": level,
	}).Info("media: connection quality changed")
	for _, ch := range subs {
		select {
		case ch <- level:
		default:
		}
	}
}

func (q *qualityMonitor) subscribe() (<-chan QualityLevel, func()) {
	ch := make(chan QualityLevel, 4)
	q.mu.Lock()
	q.subs[ch] = struct{}{}
	q.mu.Unlock()

	cancel := func() {
		q.mu.Lock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
		q.mu.Unlock()
	}
	return ch, cancel
}

// stop cancels the sampling ticker. The per-sender readers exit on their own
// when the peer connection closes.
func (q *qualityMonitor) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}
