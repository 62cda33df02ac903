package broadcaster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	sent [][]byte
	err  error
}

func (f *fakeConn) WriteMessage(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}

func TestSendToDeliversToRegisteredClient(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := &fakeConn{}
	r.Register("client-a", conn)

	delivered := r.SendTo("client-a", []byte(`{"mtyp":"strategy"}`))

	assert.True(t, delivered)
	require.Len(t, conn.sent, 1)
	assert.Equal(t, 1, r.Count())
}

func TestSendToUnknownClientReturnsFalse(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	assert.False(t, r.SendTo("nobody", []byte("x")))
}

func TestUnregisterIgnoresStaleConn(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	first := &fakeConn{}
	second := &fakeConn{}
	r.Register("client-a", first)
	r.Register("client-a", second)

	r.Unregister("client-a", first)

	assert.Equal(t, 1, r.Count(), "the newer registration must survive an unregister for the old one")
}

func TestSendToWriteErrorReturnsFalse(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("client-a", &fakeConn{err: errors.New("broken pipe")})
	assert.False(t, r.SendTo("client-a", []byte("x")))
}
