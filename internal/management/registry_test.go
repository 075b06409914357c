package management

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/persistence"
)

func TestMain(m *testing.M) {
	log.Init(&log.LoggerConfig{
		Level:   "error",
		Pattern: "%time[%level] - %msg\n",
		Time:    "2006-01-02 15:04:05",
	})
	os.Exit(m.Run())
}

type fakeMgmtBus struct {
	mu      sync.Mutex
	handler bus.Handler
}

func (b *fakeMgmtBus) Subscribe(_ context.Context, _ string, h bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return func() {}, nil
}

func (b *fakeMgmtBus) deliver(t *testing.T, msg any) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	require.NotNil(t, h)
	_, err := h(context.Background(), msg)
	require.NoError(t, err)
}

func startRegistry(t *testing.T, sink persistence.Sink) (*Registry, *net.UDPAddr, *fakeMgmtBus) {
	t.Helper()
	b := &fakeMgmtBus{}
	reg := New(b, sink, "127.0.0.1:0", time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = reg.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), time.Second)
	defer addrCancel()
	addr, err := reg.Addr(addrCtx)
	require.NoError(t, err)
	return reg, addr, b
}

func sendRegister(t *testing.T, conn *net.UDPConn, dst *net.UDPAddr, name string, rtpEnabled bool, host map[string]any) {
	t.Helper()
	payload := map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"name":      name,
		"config": map[string]any{
			"rtp": map[string]any{"enabled": rtpEnabled},
		},
	}
	if host != nil {
		payload["config"].(map[string]any)["host"] = host
	}
	frame, err := json.Marshal(map[string]any{"type": "register", "payload": payload})
	require.NoError(t, err)
	_, err = conn.WriteToUDP(frame, dst)
	require.NoError(t, err)
}

func TestRegistryPersistsHostOnFirstRegisterOnly(t *testing.T) {
	writer := persistence.NewMemoryWriter()
	sink := persistence.NewBatchingSink(writer, 1, time.Hour)
	defer sink.Close()

	_, addr, _ := startRegistry(t, sink)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	sendRegister(t, client, addr, "agent-1", false, map[string]any{"name": "dc1"})
	sendRegister(t, client, addr, "agent-1", false, map[string]any{"name": "dc1"})

	assert.Eventually(t, func() bool {
		return len(writer.Documents("hosts")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRegistryPushesSdpSessionToRtpEnabledAgent(t *testing.T) {
	writer := persistence.NewMemoryWriter()
	sink := persistence.NewBatchingSink(writer, 1, time.Hour)
	defer sink.Close()

	_, regAddr, b := startRegistry(t, sink)

	agentConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer agentConn.Close()

	sendRegister(t, agentConn, regAddr, "agent-2", true, nil)
	time.Sleep(20 * time.Millisecond)

	b.deliver(t, []model.SdpSession{{ID: 1, CallID: "call-1"}})

	_ = agentConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, err := agentConn.Read(buf)
	require.NoError(t, err)

	var push sdpPush
	require.NoError(t, json.Unmarshal(buf[:n], &push))
	assert.Equal(t, "sdp_session", push.Type)
	assert.Equal(t, "call-1", push.Payload.CallID)
}
