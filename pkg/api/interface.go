package api

import (
	"context"

	"github.com/nrfcloud/campadmin/pkg/session"
)

// AdminClient interface defines the methods needed for admin API operations
type AdminClient interface {
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
	Bookings() *Resource
	Tents() *Resource
	Admins() *Resource
	Refunds() *Resource
}

// Ensure Client implements AdminClient and session.Refresher
var (
	_ AdminClient       = (*Client)(nil)
	_ session.Refresher = (*Client)(nil)
)
