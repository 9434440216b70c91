package session

import (
	"context"
	"time"
)

// SessionRefresher is the part of the gateway the keeper and controllers
// depend on.
type SessionRefresher interface {
	Refresh(ctx context.Context) (string, error)
	TokenExpiry() (time.Time, bool)
}

// TokenSyncer adopts tokens rotated outside this process.
type TokenSyncer interface {
	SyncToken(token string)
	AccessToken() string
}

// KeeperInterface defines the lifecycle of a session keeper
type KeeperInterface interface {
	CheckAndRefresh(ctx context.Context) error
	Start(ctx context.Context) error
	Stop()
}

var (
	_ SessionRefresher = (*Gateway)(nil)
	_ TokenSyncer      = (*Gateway)(nil)
	_ KeeperInterface  = (*Keeper)(nil)
)
