package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceHandlesBusRequests(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	h := newHarness(t, nil)
	h.rec.live = []string{"Guten Tag"}
	svc := NewService(context.Background(), h.p, conn, logging.Discard())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	msg, err := conn.Request(protocol.SubjectStreamStart, nil, 2*time.Second)
	require.NoError(t, err)
	var started protocol.StartReply
	require.NoError(t, json.Unmarshal(msg.Data, &started))
	require.NotEmpty(t, started.SessionID)
	assert.Empty(t, started.Error)

	payload, err := json.Marshal(protocol.ChunkRequest{SessionID: started.SessionID, Extension: "ogg", Audio: []byte("opus")})
	require.NoError(t, err)
	msg, err = conn.Request(protocol.SubjectChunkIngest, payload, 2*time.Second)
	require.NoError(t, err)
	var reply protocol.ChunkReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, 1, reply.Sequence)
	assert.Equal(t, "Guten Tag", reply.Transcript)
	assert.Empty(t, reply.Error)

	payload, err = json.Marshal(protocol.ChunkRequest{SessionID: "missing", Audio: []byte("x")})
	require.NoError(t, err)
	msg, err = conn.Request(protocol.SubjectChunkIngest, payload, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Contains(t, reply.Error, "unknown session")
}

func TestServiceWithoutConnection(t *testing.T) {
	h := newHarness(t, nil)
	svc := NewService(context.Background(), h.p, nil, logging.Discard())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())
	svc.Close()
}
