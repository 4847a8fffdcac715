package poller

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"crypto-market-streamer/internal/marketdata"
	"crypto-market-streamer/internal/topic"
)

// TickHandler receives the result of every successful poll tick
type TickHandler func(t topic.Topic, value interface{}, timestamp time.Time)

const (
	// failureThreshold is how many consecutive fetch failures trigger one
	// backoff step
	failureThreshold = 3

	// maxBackoffMultiplier caps the slowed-down cadence at 8x nominal
	maxBackoffMultiplier = 8
)

// Scheduler maintains exactly one polling loop per topic with at least one
// subscriber. Ticks for different topics run concurrently; ticks for the
// same topic never overlap (a tick that fires while a fetch is in flight is
// skipped, not stacked).
type Scheduler struct {
	source       marketdata.Source
	handler      TickHandler
	fetchTimeout time.Duration

	mutex   sync.Mutex
	pollers map[string]*topicPoller
}

type topicPoller struct {
	topic   topic.Topic
	nominal time.Duration
	stop    chan struct{}

	inFlight atomic.Bool

	mutex               sync.Mutex
	ticker              *time.Ticker
	multiplier          int
	consecutiveFailures int

	totalTicks    int64
	totalFailures int64
	skippedTicks  int64
}

// NewScheduler creates a polling scheduler. The fetch timeout bounds every
// upstream call independently of poll cadence, so a hung upstream cannot
// accumulate in-flight requests.
func NewScheduler(source marketdata.Source, handler TickHandler, fetchTimeout time.Duration) *Scheduler {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}

	return &Scheduler{
		source:       source,
		handler:      handler,
		fetchTimeout: fetchTimeout,
		pollers:      make(map[string]*topicPoller),
	}
}

// Start begins polling a topic at the given interval (nominal cadence when
// interval <= 0). No-op if the topic is already being polled.
func (s *Scheduler) Start(t topic.Topic, interval time.Duration) {
	if interval <= 0 {
		interval = t.Cadence()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := t.String()
	if _, running := s.pollers[key]; running {
		return
	}

	tp := &topicPoller{
		topic:      t,
		nominal:    interval,
		stop:       make(chan struct{}),
		multiplier: 1,
	}
	s.pollers[key] = tp

	go s.run(tp)
	log.Printf("⏱️ Started polling %s every %v", key, interval)
}

// Stop cancels the topic's polling loop. No-op if not running.
func (s *Scheduler) Stop(t topic.Topic) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := t.String()
	tp, running := s.pollers[key]
	if !running {
		return
	}

	delete(s.pollers, key)
	close(tp.stop)
	log.Printf("⏱️ Stopped polling %s", key)
}

// StopAll cancels every polling loop. Used on shutdown.
func (s *Scheduler) StopAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key, tp := range s.pollers {
		close(tp.stop)
		delete(s.pollers, key)
	}
	log.Printf("🛑 Polling scheduler stopped")
}

// IsRunning reports whether a topic currently has a polling loop
func (s *Scheduler) IsRunning(t topic.Topic) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, running := s.pollers[t.String()]
	return running
}

// CurrentInterval returns the topic's effective interval including backoff,
// or zero if the topic is not being polled
func (s *Scheduler) CurrentInterval(t topic.Topic) time.Duration {
	s.mutex.Lock()
	tp, running := s.pollers[t.String()]
	s.mutex.Unlock()

	if !running {
		return 0
	}

	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	return tp.nominal * time.Duration(tp.multiplier)
}

func (s *Scheduler) run(tp *topicPoller) {
	tp.mutex.Lock()
	tp.ticker = time.NewTicker(tp.nominal)
	tp.mutex.Unlock()
	defer tp.ticker.Stop()

	for {
		select {
		case <-tp.stop:
			return

		case <-tp.ticker.C:
			if !tp.inFlight.CompareAndSwap(false, true) {
				atomic.AddInt64(&tp.skippedTicks, 1)
				log.Printf("⚠️ Skipping tick for %s: previous fetch still in flight", tp.topic)
				continue
			}
			go s.fetchOnce(tp)
		}
	}
}

// fetchOnce performs a single upstream fetch for the topic. A failed fetch
// is logged and skipped; it never cancels the polling loop.
func (s *Scheduler) fetchOnce(tp *topicPoller) {
	defer tp.inFlight.Store(false)
	atomic.AddInt64(&tp.totalTicks, 1)

	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	value, err := s.source.Fetch(ctx, tp.topic.Kind, tp.topic.Scope)
	if err != nil {
		log.Printf("⚠️ Fetch failed for %s: %v", tp.topic, err)
		tp.recordFailure()
		return
	}
	tp.recordSuccess()

	// Don't hand results to a stopped topic
	select {
	case <-tp.stop:
		return
	default:
	}

	if s.handler != nil {
		s.handler(tp.topic, value, time.Now())
	}
}

func (tp *topicPoller) recordFailure() {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()

	atomic.AddInt64(&tp.totalFailures, 1)
	tp.consecutiveFailures++

	if tp.consecutiveFailures%failureThreshold == 0 && tp.multiplier*2 <= maxBackoffMultiplier {
		tp.multiplier *= 2
		tp.ticker.Reset(tp.nominal * time.Duration(tp.multiplier))
		log.Printf("⚠️ Backing off %s to %v after %d consecutive failures",
			tp.topic, tp.nominal*time.Duration(tp.multiplier), tp.consecutiveFailures)
	}
}

func (tp *topicPoller) recordSuccess() {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()

	tp.consecutiveFailures = 0
	if tp.multiplier != 1 {
		tp.multiplier = 1
		tp.ticker.Reset(tp.nominal)
		log.Printf("✅ Restored nominal cadence %v for %s", tp.nominal, tp.topic)
	}
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	topics := make(map[string]interface{}, len(s.pollers))
	for key, tp := range s.pollers {
		tp.mutex.Lock()
		topics[key] = map[string]interface{}{
			"interval":             (tp.nominal * time.Duration(tp.multiplier)).String(),
			"consecutive_failures": tp.consecutiveFailures,
			"total_ticks":          atomic.LoadInt64(&tp.totalTicks),
			"total_failures":       atomic.LoadInt64(&tp.totalFailures),
			"skipped_ticks":        atomic.LoadInt64(&tp.skippedTicks),
		}
		tp.mutex.Unlock()
	}

	return map[string]interface{}{
		"active_topics": len(s.pollers),
		"topics":        topics,
	}
}
