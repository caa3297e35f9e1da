package room

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// JanitorConfig controls the background sweeps.
type JanitorConfig struct {
	Interval       time.Duration
	PresenceWindow time.Duration
	RoomTTL        time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:       5 * time.Minute,
		PresenceWindow: 60 * time.Second,
		RoomTTL:        30 * time.Minute,
	}
}

// Janitor periodically evicts idle participants and reclaims empty rooms.
// It runs off the request path on its own timer.
type Janitor struct {
	registry *Registry
	config   JanitorConfig
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewJanitor(registry *Registry, config JanitorConfig) *Janitor {
	return &Janitor{
		registry: registry,
		config:   config,
		stop:     make(chan struct{}),
	}
}

func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.run()
	logrus.WithFields(logrus.Fields{
		"interval": j.config.Interval,
		"room_ttl": j.config.RoomTTL,
	}).Info("janitor started")
}

func (j *Janitor) Stop() {
	close(j.stop)
	j.wg.Wait()
	logrus.Info("janitor stopped")
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one eviction and reap pass.
func (j *Janitor) Sweep() {
	evicted := j.registry.EvictIdle(j.config.PresenceWindow)
	reaped := j.registry.Reap(j.config.RoomTTL)

	if evicted > 0 || reaped > 0 {
		logrus.WithFields(logrus.Fields{
			"evicted_participants": evicted,
			"reclaimed_rooms":      reaped,
		}).Info("janitor sweep")
	}
}
