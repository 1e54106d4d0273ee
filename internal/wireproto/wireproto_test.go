package wireproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipeWriter wraps bytes.Buffer to satisfy the halfCloser interface so
// the codec's half-close path is exercised without a real stream.
type pipeWriter struct {
	bytes.Buffer
	closed bool
}

func (p *pipeWriter) CloseWrite() error {
	p.closed = true
	return nil
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		Type:  ReqHello,
		Hello: &HelloPayload{NodeID: "A", Role: "edge"},
	}

	var buf pipeWriter
	require.NoError(t, WriteRequest(&buf, req))
	require.True(t, buf.closed)

	got, err := ReadRequest(&buf.Buffer)
	require.NoError(t, err)
	require.Equal(t, ReqHello, got.Type)
	require.Equal(t, "A", got.Hello.NodeID)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Err("服务提供者 peer 不匹配")

	var buf pipeWriter
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf.Buffer)
	require.NoError(t, err)
	require.Equal(t, RespError, got.Type)
	require.Equal(t, "服务提供者 peer 不匹配", got.Error.Message)
}

func TestAckHasNoPayload(t *testing.T) {
	resp := Ack()
	require.Equal(t, RespAck, resp.Type)
	require.Nil(t, resp.Error)
}
