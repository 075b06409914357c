package cmd

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/otus/internal/command"
)

// cli is the client used by every control command to talk to a running
// daemon. Tests inject a mock via SetClient.
var cli ClientInterface

// udsClient implements ClientInterface over the Unix Domain Socket control
// plane exposed by internal/command.
type udsClient struct {
	client *command.UDSClient
}

func newUDSClient(socketPath string) ClientInterface {
	return &udsClient{client: command.NewUDSClient(socketPath, 10*time.Second)}
}

// Start verifies the daemon answers control commands. The daemon process
// itself is brought up by EnsureDaemonRunning before a client is connected.
func (c *udsClient) Start(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *udsClient) Stop(ctx context.Context) error {
	resp, err := c.client.Shutdown(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon_shutdown failed: %s", resp.Error.Message)
	}
	return nil
}

func (c *udsClient) Reload(ctx context.Context) error {
	resp, err := c.client.ConfigReload(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("config_reload failed: %s", resp.Error.Message)
	}
	return nil
}

// Query issues an arbitrary read-only command (daemon_status, daemon_stats)
// and returns its raw result.
func (c *udsClient) Query(ctx context.Context, method string) (interface{}, error) {
	resp, err := c.client.Call(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}

// Close is a no-op: UDSClient dials fresh per call and holds no connection.
func (c *udsClient) Close() error {
	return nil
}

// SetClient injects a client, used by tests to install a mock.
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the currently installed client.
func GetClient() ClientInterface {
	return cli
}
