package sipmsg

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/model"
)

func TestMain(m *testing.M) {
	log.Init(&log.LoggerConfig{
		Level:   "error",
		Pattern: "%time[%level] - %msg\n",
		Time:    "2006-01-02 15:04:05",
	})
	os.Exit(m.Run())
}

type recordingBus struct {
	mu    sync.Mutex
	sends []string
}

func (b *recordingBus) SendSharded(topicPrefix string, key string, shardCount int, msg any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, fmt.Sprintf("%s_%d", topicPrefix, 0))
	return nil
}

func (b *recordingBus) Send(topic string, msg any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, topic)
	return nil
}

const inviteMessage = "INVITE sip:bob@biloxi.example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Bob <sip:bob@biloxi.example.com>\r\n" +
	"From: Alice <sip:alice@atlanta.example.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.example.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@pc33.atlanta.example.com>\r\n" +
	"Content-Length: 0\r\n\r\n"

const optionsMessage = "OPTIONS sip:carol@chicago.example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc34.atlanta.example.com;branch=z9hG4bK776asdhde\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Carol <sip:carol@chicago.example.com>\r\n" +
	"From: Alice <sip:alice@atlanta.example.com>;tag=1928301775\r\n" +
	"Call-ID: b84b4c76e66710@pc34.atlanta.example.com\r\n" +
	"CSeq: 1 OPTIONS\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestHandleInviteRoutesToSipCall(t *testing.T) {
	b := &recordingBus{}
	h := New(b, 4, nil)

	h.Handle(&model.Packet{Payload: []byte(inviteMessage)})

	require.Len(t, b.sends, 1)
	assert.Contains(t, b.sends[0], "sip_call_")
}

func TestHandleOptionsRoutesToSipOptionsSingleShard(t *testing.T) {
	b := &recordingBus{}
	h := New(b, 4, nil)

	h.Handle(&model.Packet{Payload: []byte(optionsMessage)})

	require.Len(t, b.sends, 1)
	assert.Equal(t, "sip_options_0", b.sends[0])
}

func TestHandleExcludedMethodSuppressesForwarding(t *testing.T) {
	b := &recordingBus{}
	h := New(b, 4, []string{"INVITE"})

	h.Handle(&model.Packet{Payload: []byte(inviteMessage)})

	assert.Empty(t, b.sends)
}

func TestHandleMalformedPayloadDropsSilently(t *testing.T) {
	b := &recordingBus{}
	h := New(b, 4, nil)

	h.Handle(&model.Packet{Payload: []byte("not a sip message")})

	assert.Empty(t, b.sends)
}

func TestExtractCSeqMethod(t *testing.T) {
	method, seq := extractCSeqMethod("314159 INVITE")
	assert.Equal(t, "INVITE", method)
	assert.Equal(t, "314159", seq)
}

func TestExtractURIAndTag(t *testing.T) {
	uri, tag := extractURIAndTag("<sip:bob@biloxi.example.com>;tag=abc123")
	assert.Equal(t, "sip:bob@biloxi.example.com", uri)
	assert.Equal(t, "abc123", tag)
}
