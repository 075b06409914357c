package cmd

import (
	"context"
)

// ClientInterface defines the control-plane operations every CLI command
// needs against a running daemon.
type ClientInterface interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Query(ctx context.Context, method string) (interface{}, error)
	Close() error
}
