package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Keeper refreshes the access token shortly before it expires so interactive
// requests rarely pay for a refresh round-trip.
type Keeper struct {
	refresher SessionRefresher
	logger    logr.Logger

	checkInterval time.Duration
	refreshBuffer time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKeeper creates a keeper that checks the token every checkInterval and
// refreshes it when it expires within refreshBuffer.
func NewKeeper(refresher SessionRefresher, checkInterval, refreshBuffer time.Duration, logger logr.Logger) *Keeper {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	if refreshBuffer <= 0 {
		refreshBuffer = 2 * time.Minute // Refresh 2 minutes before expiry
	}
	return &Keeper{
		refresher:     refresher,
		logger:        logger,
		checkInterval: checkInterval,
		refreshBuffer: refreshBuffer,
	}
}

// CheckAndRefresh refreshes the access token if it expires within the
// refresh buffer. Opaque tokens and missing sessions are left alone.
func (k *Keeper) CheckAndRefresh(ctx context.Context) error {
	expiry, ok := k.refresher.TokenExpiry()
	if !ok {
		k.logger.V(1).Info("No expiring access token to keep alive")
		return nil
	}

	remaining := time.Until(expiry)
	if remaining >= k.refreshBuffer {
		k.logger.V(1).Info("Access token still fresh", "expiresIn", remaining)
		return nil
	}

	k.logger.Info("Refreshing access token ahead of expiry", "expiresIn", remaining)
	if _, err := k.refresher.Refresh(ctx); err != nil {
		return err
	}
	return nil
}

// Start checks the token immediately and then periodically until ctx ends or
// Stop is called.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cancel != nil {
		return nil
	}

	k.logger.Info("Starting session keeper", "interval", k.checkInterval, "buffer", k.refreshBuffer)

	if err := k.CheckAndRefresh(ctx); err != nil {
		k.logger.Error(err, "Failed to refresh access token on startup")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	k.cancel = cancel
	k.done = done

	ticker := time.NewTicker(k.checkInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				k.logger.Info("Stopping session keeper")
				return
			case <-ticker.C:
				if err := k.CheckAndRefresh(runCtx); err != nil {
					k.logger.Error(err, "Failed to refresh access token")
				}
			}
		}
	}()

	return nil
}

// Stop stops the periodic check and waits for it to exit.
func (k *Keeper) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
