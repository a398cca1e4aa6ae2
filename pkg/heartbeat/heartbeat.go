package heartbeat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/registry"
)

// DefaultInterval is how often workers are pinged
const DefaultInterval = 30 * time.Second

// Keeper periodically pings every connected worker. Send failures are
// swallowed; dead connections surface through normal disconnect
// handling, and pong replies refresh last_seen via the router.
type Keeper struct {
	reg      *registry.Registry
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a keeper over the registry. A non-positive interval falls
// back to the default.
func New(reg *registry.Registry, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Keeper{
		reg:      reg,
		interval: interval,
		logger:   log.WithComponent("heartbeat"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the ping loop
func (k *Keeper) Start() {
	go k.run()
}

// Stop stops the ping loop
func (k *Keeper) Stop() {
	close(k.stopCh)
}

func (k *Keeper) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.pingAll()
		case <-k.stopCh:
			return
		}
	}
}

func (k *Keeper) pingAll() {
	ping := protocol.NewPing()
	for _, workerID := range k.reg.WorkerIDs() {
		conn := k.reg.WorkerConn(workerID)
		if conn == nil {
			continue
		}
		if err := conn.Send(ping); err != nil {
			// Dead connection; disconnect handling cleans it up
			k.logger.Debug().Err(err).Str("worker_id", workerID).Msg("Ping failed")
		}
	}
}
