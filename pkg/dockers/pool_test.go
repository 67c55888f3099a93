package dockers

import (
	"fmt"
	"sync"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeConnect swaps the connect seam for the duration of a test.
func fakeConnect(t *testing.T, fn func(id, url string) (*client.Client, error)) {
	t.Helper()
	orig := connectFn
	connectFn = fn
	t.Cleanup(func() { connectFn = orig })
}

func newFakeClient(t *testing.T) *client.Client {
	t.Helper()
	cli, err := client.NewClientWithOpts(client.WithHost("tcp://127.0.0.1:2375"))
	require.NoError(t, err)
	return cli
}

func TestPool_RejectsReservedID(t *testing.T) {
	fakeConnect(t, func(id, url string) (*client.Client, error) {
		return nil, fmt.Errorf("unused")
	})

	_, err := NewPool([]config.DockerConn{{ID: DefaultID}})
	require.Error(t, err)
}

func TestPool_RejectsTwoDefaults(t *testing.T) {
	fakeConnect(t, func(id, url string) (*client.Client, error) {
		return nil, fmt.Errorf("down")
	})

	_, err := NewPool([]config.DockerConn{
		{ID: "a", Default: true},
		{ID: "b", Default: true},
	})
	require.Error(t, err)
}

func TestPool_FirstEntryBecomesDefault(t *testing.T) {
	good := newFakeClient(t)
	fakeConnect(t, func(id, url string) (*client.Client, error) {
		return good, nil
	})

	p, err := NewPool([]config.DockerConn{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)

	assert.Same(t, good, p.Default())
	assert.True(t, p.Has("a"))
	assert.True(t, p.Has("b"))
	assert.False(t, p.Has("c"))
	assert.True(t, p.Has(DefaultID))
}

func TestPool_DeferredEntryRetriesOnAccess(t *testing.T) {
	good := newFakeClient(t)

	var mu sync.Mutex
	attempts := 0
	fakeConnect(t, func(id, url string) (*client.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("host unreachable")
		}
		return good, nil
	})

	p, err := NewPool([]config.DockerConn{{ID: "edge", URL: "tcp://edge:2375"}})
	require.NoError(t, err)

	// startup attempt failed, first access fails again
	assert.Nil(t, p.Get("edge"))

	// next access succeeds and the client sticks
	assert.Same(t, good, p.Get("edge"))
	assert.Same(t, good, p.Get("edge"))

	mu.Lock()
	assert.Equal(t, 3, attempts, "an established client must not reconnect")
	mu.Unlock()
}

func TestPool_IDsIncludeSyntheticDefault(t *testing.T) {
	fakeConnect(t, func(id, url string) (*client.Client, error) {
		return nil, fmt.Errorf("down")
	})

	p, err := NewPool([]config.DockerConn{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)

	ids := p.IDs()
	assert.Contains(t, ids, "a")
	assert.Contains(t, ids, "b")
	assert.Contains(t, ids, DefaultID)
	assert.Equal(t, DefaultID, ids[len(ids)-1])
}

func TestPool_EmptyConfigSynthesizesAmbientDefault(t *testing.T) {
	good := newFakeClient(t)
	fakeConnect(t, func(id, url string) (*client.Client, error) {
		assert.Equal(t, DefaultID, id)
		assert.Empty(t, url)
		return good, nil
	})

	p, err := NewPool(nil)
	require.NoError(t, err)
	assert.Same(t, good, p.Default())
	assert.Equal(t, []string{DefaultID}, p.IDs())
}

func TestPool_ConcurrentGetIsSafe(t *testing.T) {
	good := newFakeClient(t)
	fakeConnect(t, func(id, url string) (*client.Client, error) {
		return nil, fmt.Errorf("down at startup")
	})

	p, err := NewPool([]config.DockerConn{{ID: "a", URL: "tcp://a:2375"}})
	require.NoError(t, err)

	fakeConnect(t, func(id, url string) (*client.Client, error) {
		return good, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cli := p.Get("a")
			assert.Same(t, good, cli)
		}()
	}
	wg.Wait()
}
