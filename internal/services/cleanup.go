package services

import (
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/metrics"
)

// Pruner drops idle entries and reports how many it removed.
type Pruner interface {
	Prune() int
}

// Gauges reports registry sizes for the janitor's log line.
type Gauges map[string]func() int

// CleanupService is the janitor. It runs as a background goroutine on a
// cron schedule, prunes idle rate-limit windows and logs registry sizes.
type CleanupService struct {
	cron     string
	pruners  map[string]Pruner
	gauges   Gauges
	metrics  *metrics.Metrics
	stopChan chan struct{}
	now      func() time.Time
}

// NewCleanupService creates a new cleanup service.
// - cron: schedule in standard five-field cron syntax (e.g. "*/1 * * * *")
func NewCleanupService(cron string, pruners map[string]Pruner, gauges Gauges, m *metrics.Metrics) *CleanupService {
	return &CleanupService{
		cron:     cron,
		pruners:  pruners,
		gauges:   gauges,
		metrics:  m,
		stopChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the background cleanup worker.
// This method runs in its own goroutine and should be called with 'go'.
func (s *CleanupService) Start() {
	log := logrus.WithFields(logrus.Fields{"component": "janitor", "cron": s.cron})
	log.Info("cleanup service started")

	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			log.WithError(err).Error("cannot compute next run, retrying in 30s")
			next = s.now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.RunOnce()
		case <-s.stopChan:
			timer.Stop()
			log.Info("cleanup service stopped")
			return
		}
	}
}

// Stop gracefully shuts down the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopChan)
}

// RunOnce performs a single cleanup pass and returns how many entries each
// pruner removed.
func (s *CleanupService) RunOnce() map[string]int {
	fields := logrus.Fields{"component": "janitor"}
	removed := make(map[string]int, len(s.pruners))
	for name, p := range s.pruners {
		n := p.Prune()
		removed[name] = n
		fields["pruned_"+name] = humanize.Comma(int64(n))
	}
	for name, g := range s.gauges {
		fields[name] = humanize.Comma(int64(g()))
	}
	s.metrics.JanitorRun()
	logrus.WithFields(fields).Info("cleanup pass finished")
	return removed
}
