package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/loomwork/loom/features/stream/pulse/clients/pulse"
	mockpulse "github.com/loomwork/loom/features/stream/pulse/clients/pulse/mocks"
	"github.com/loomwork/loom/runtime/bus"
	"github.com/loomwork/loom/runtime/event"
)

func TestNewRelayValidatesOptions(t *testing.T) {
	client := mockpulse.NewClient(t)
	b := newTestBus(t)

	_, err := NewRelay(RelayOptions{Client: client})
	require.EqualError(t, err, "bus is required")
	_, err = NewRelay(RelayOptions{Bus: b})
	require.EqualError(t, err, "pulse client is required")
}

func TestForwardPublishesToSessionStream(t *testing.T) {
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)

	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "loom:acme:session:s1", name)
		return streamMock, nil
	})
	var added []byte
	streamMock.AddAdd(func(ctx context.Context, name string, payload []byte) (string, error) {
		require.Equal(t, event.TypeStepDone, name)
		added = payload
		return "1-0", nil
	})

	relay, err := NewRelay(RelayOptions{Bus: newTestBus(t), Client: client})
	require.NoError(t, err)

	ev, err := event.New(event.TypeStepDone, "dispatcher", "acme", event.WithSession("s1"))
	require.NoError(t, err)
	require.NoError(t, relay.Forward(context.Background(), ev))

	decoded, err := event.Unmarshal(added)
	require.NoError(t, err)
	require.Equal(t, ev.ID, decoded.ID)
	require.False(t, client.HasMore())
	require.False(t, streamMock.HasMore())
}

func TestForwardSkipsSessionlessEvents(t *testing.T) {
	client := mockpulse.NewClient(t)
	relay, err := NewRelay(RelayOptions{Bus: newTestBus(t), Client: client})
	require.NoError(t, err)

	ev, err := event.New(event.TypeAbort, "stopper", "acme")
	require.NoError(t, err)
	require.NoError(t, relay.Forward(context.Background(), ev))
	require.False(t, client.HasMore())
}

func TestRunMirrorsBusEvents(t *testing.T) {
	b := newTestBus(t)
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)

	var (
		mu       sync.Mutex
		captured [][]byte
	)
	client.SetStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return streamMock, nil
	})
	streamMock.SetAdd(func(ctx context.Context, name string, payload []byte) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, payload)
		return "1-0", nil
	})

	relay, err := NewRelay(RelayOptions{Bus: b, Client: client, Types: []string{event.TypeStepDone}})
	require.NoError(t, err)

	ctx := context.Background()
	sub, err := relay.Run(ctx)
	require.NoError(t, err)
	defer sub.Close()

	ev, err := event.New(event.TypeStepDone, "dispatcher", "acme", event.WithSession("s1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := b.Publish(ctx, ev)
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func newTestBus(t *testing.T) bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b, err := bus.New(bus.Options{Client: client, Tenant: "acme"})
	require.NoError(t, err)
	return b
}
