package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alpenlabs/faucet-api/internal/challenge"
)

func TestAllowThenCooldownAfterSuccess(t *testing.T) {
	l, err := New(Config{Window: 50 * time.Millisecond, MaxEntries: 10})
	require.NoError(t, err)

	ip := net.ParseIP("203.0.113.1")
	require.True(t, l.Allow(ip, challenge.ChainL1))

	l.RecordSuccess(ip, challenge.ChainL1)
	require.False(t, l.Allow(ip, challenge.ChainL1))

	// Different chain, same IP: independent cooldown windows.
	require.True(t, l.Allow(ip, challenge.ChainL2))

	time.Sleep(60 * time.Millisecond)
	require.True(t, l.Allow(ip, challenge.ChainL1))
}

func TestResolveIPConnectInfo(t *testing.T) {
	l, err := New(Config{Source: ConnectInfo})
	require.NoError(t, err)

	ip, err := l.ResolveIP("198.51.100.7:54321", "")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.7", ip.String())
}

func TestResolveIPXForwardedFor(t *testing.T) {
	l, err := New(Config{Source: XForwardedFor})
	require.NoError(t, err)

	ip, err := l.ResolveIP("10.0.0.1:1234", "203.0.113.9, 10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", ip.String())
}

func TestResolveIPRightmostXForwardedFor(t *testing.T) {
	l, err := New(Config{Source: RightmostXForwardedFor})
	require.NoError(t, err)

	ip, err := l.ResolveIP("10.0.0.1:1234", "203.0.113.9, 198.51.100.2")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.2", ip.String())
}

func TestIsIPv4(t *testing.T) {
	require.True(t, IsIPv4(net.ParseIP("1.2.3.4")))
	require.False(t, IsIPv4(net.ParseIP("2001:db8::1")))
}
