package capture

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// poller is the background worker of one streaming episode. It is owned by
// the Controller, which starts it, signals it and waits for it.
type poller struct {
	sync     *Synchronizer
	comp     *Compositor
	sink     *Sink
	target   uint64
	interval time.Duration
	log      *zerolog.Logger

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	delivered atomic.Uint64
	err       error
}

// newPoller creates a poller delivering target frames, zero meaning until
// stopped
func newPoller(s *Synchronizer, comp *Compositor, sink *Sink, target uint64, interval time.Duration) *poller {
	return &poller{
		sync:     s,
		comp:     comp,
		sink:     sink,
		target:   target,
		interval: interval,
		log:      logger.WithComponent("capture-poller"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *poller) start() {
	go p.run()
}

// signal asks the poller to exit after its current cycle
func (p *poller) signal() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// wait blocks until the poller exited and returns the error that ended it
func (p *poller) wait() error {
	<-p.done
	return p.err
}

func (p *poller) active() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// finished reports whether the poller exited and the error that ended it
func (p *poller) finished() (bool, error) {
	select {
	case <-p.done:
		return true, p.err
	default:
		return false, nil
	}
}

func (p *poller) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *poller) run() {
	defer close(p.done)

	p.log.Info().
		Uint64("target", p.target).
		Dur("interval", p.interval).
		Msg("Poller started")

	for !p.stopped() {
		limit := 0
		if p.target > 0 {
			delivered := p.delivered.Load()
			if delivered >= p.target {
				p.log.Info().Uint64("delivered", delivered).Msg("Frame target reached")
				return
			}
			limit = int(min(p.target-delivered, math.MaxInt32))
		}

		batch, err := p.sync.Next(limit, p.visit)
		p.delivered.Add(uint64(batch.Size))
		if err != nil {
			p.err = err
			p.log.Error().
				Err(err).
				Uint64("delivered", p.delivered.Load()).
				Msg("Poller stopped on error")
			return
		}

		if p.interval > 0 {
			select {
			case <-p.stop:
			case <-time.After(p.interval):
			}
		}
	}

	p.log.Info().Uint64("delivered", p.delivered.Load()).Msg("Poller stopped")
}

func (p *poller) visit(frames []Frame) (bool, error) {
	md, err := p.comp.Composite(frames)
	if err != nil {
		return false, err
	}
	return true, p.sink.Deliver(p.comp.Buffers(), md)
}
