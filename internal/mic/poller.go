package mic

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
)

// Prober is polled while a request is pending. *Coordinator implements it.
type Prober interface {
	PollStatus(ctx context.Context, requester string) (domain.MicStatus, error)
}

type pollLoop struct {
	id     uint64
	cancel context.CancelFunc
}

// Poller runs one cancellable ticker per pending request. It is driven by
// coordinator status changes: entering PENDING starts a loop, leaving it
// stops the loop.
type Poller struct {
	prober   Prober
	interval time.Duration
	logger   zerolog.Logger

	loops  map[string]pollLoop
	nextID uint64
	closed bool
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// NewPoller creates a poller probing every interval.
func NewPoller(prober Prober, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		prober:   prober,
		interval: interval,
		logger:   logger.With().Str("component", "poller").Logger(),
		loops:    make(map[string]pollLoop),
	}
}

// HandleStatusChange is a StatusListener.
func (p *Poller) HandleStatusChange(change domain.StatusChange) {
	if change.To == domain.MicPending {
		p.start(change.Requester)
		return
	}
	p.stop(change.Requester)
}

// Active reports whether a loop is running for requester.
func (p *Poller) Active(requester string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[requester]
	return ok
}

func (p *Poller) start(requester string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if _, ok := p.loops[requester]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.nextID++
	loop := pollLoop{id: p.nextID, cancel: cancel}
	p.loops[requester] = loop

	p.wg.Add(1)
	go p.run(ctx, requester, loop.id)
	p.logger.Debug().Str(pkglog.FieldRequester, requester).Msg("polling started")
}

func (p *Poller) stop(requester string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if loop, ok := p.loops[requester]; ok {
		loop.cancel()
		delete(p.loops, requester)
		p.logger.Debug().Str(pkglog.FieldRequester, requester).Msg("polling stopped")
	}
}

// finish removes a loop that ended on its own, unless it was replaced.
func (p *Poller) finish(requester string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if loop, ok := p.loops[requester]; ok && loop.id == id {
		loop.cancel()
		delete(p.loops, requester)
	}
}

func (p *Poller) run(ctx context.Context, requester string, id uint64) {
	defer p.wg.Done()
	defer p.finish(requester, id)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := p.prober.PollStatus(ctx, requester)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Debug().Err(err).Str(pkglog.FieldRequester, requester).Msg("mic status poll failed")
				continue
			}
			if status != domain.MicPending {
				return
			}
		}
	}
}

// Stop cancels every loop and waits for them to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.closed = true
	for r, loop := range p.loops {
		loop.cancel()
		delete(p.loops, r)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
