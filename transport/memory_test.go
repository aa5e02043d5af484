package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(l *MemoryListener) chan []byte {
	ch := make(chan []byte, 16)
	l.SetHandler(func(data []byte, addr net.Addr) {
		ch <- data
	})
	return ch
}

func TestMemoryNetworkDelivery(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("10.0.0.1:6881")
	require.NoError(t, err)
	b, err := network.Listen("10.0.0.2:6881")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	inbox := collect(b)
	payload := []byte("hello")
	require.NoError(t, a.Send(payload, b.LocalAddr()))
	payload[0] = 'j'

	select {
	case got := <-inbox:
		assert.Equal(t, []byte("hello"), got, "delivered datagram must be a copy")
	case <-time.After(time.Second):
		t.Fatal("datagram was not delivered")
	}

	log := network.GetDeliveryLog()
	require.Len(t, log, 1)
	assert.Equal(t, "10.0.0.1:6881", log[0].From)
	assert.Equal(t, "10.0.0.2:6881", log[0].To)
	assert.Equal(t, 5, log[0].Size)
	assert.True(t, log[0].Delivered)
}

func TestMemoryNetworkUnknownDestinationDropped(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("10.0.0.1:6881")
	require.NoError(t, err)
	defer a.Close()

	dest := &net.UDPAddr{IP: net.IPv4(10, 9, 9, 9), Port: 1}
	assert.NoError(t, a.Send([]byte("x"), dest))

	log := network.GetDeliveryLog()
	require.Len(t, log, 1)
	assert.False(t, log[0].Delivered)
}

func TestMemoryNetworkDropRule(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Listen("10.0.0.1:6881")
	b, _ := network.Listen("10.0.0.2:6881")
	defer a.Close()
	defer b.Close()

	inbox := collect(b)
	network.SetDropRule(func(from, to net.Addr) bool { return true })
	require.NoError(t, a.Send([]byte("lost"), b.LocalAddr()))

	network.SetDropRule(nil)
	require.NoError(t, a.Send([]byte("kept"), b.LocalAddr()))

	select {
	case got := <-inbox:
		assert.Equal(t, []byte("kept"), got)
	case <-time.After(time.Second):
		t.Fatal("datagram was not delivered")
	}
	assert.Len(t, network.GetDeliveryLog(), 2)

	network.ClearDeliveryLog()
	assert.Empty(t, network.GetDeliveryLog())
}

func TestMemoryListenerAddressInUse(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("10.0.0.1:6881")
	require.NoError(t, err)

	_, err = network.Listen("10.0.0.1:6881")
	assert.Error(t, err)

	require.NoError(t, a.Close())
	b, err := network.Listen("10.0.0.1:6881")
	require.NoError(t, err, "address should be reusable after Close")
	b.Close()
}

func TestMemoryListenerSendAfterClose(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Listen("10.0.0.1:6881")
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.Send([]byte("x"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6881})
	assert.ErrorIs(t, err, ErrListenerClosed)
}
