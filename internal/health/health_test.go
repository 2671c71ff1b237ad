package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(healthy bool, detail string) Checker {
	return func(context.Context) Status { return Status{Healthy: healthy, Detail: detail} }
}

func TestCheckAll(t *testing.T) {
	tests := []struct {
		name     string
		register func(r *Registry)
		healthy  bool
		count    int
	}{
		{"empty", func(*Registry) {}, true, 0},
		{"all healthy", func(r *Registry) {
			r.Register("store", fixed(true, ""))
			r.Register("kafka", fixed(true, "ok"))
		}, true, 2},
		{"one critical down", func(r *Registry) {
			r.Register("store", fixed(false, "connection refused"))
			r.Register("kafka", fixed(true, ""))
		}, false, 2},
		{"only optional down", func(r *Registry) {
			r.Register("store", fixed(true, ""))
			r.RegisterOptional("redis", fixed(false, "i/o timeout"))
		}, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			tt.register(r)
			healthy, statuses := r.CheckAll(context.Background())
			assert.Equal(t, tt.healthy, healthy)
			assert.Len(t, statuses, tt.count)
		})
	}
}

func TestCheckAll_KeepsOrderAndFillsName(t *testing.T) {
	r := NewRegistry()
	r.Register("store", fixed(true, ""))
	r.RegisterOptional("redis", fixed(false, "i/o timeout"))

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 2)
	assert.Equal(t, "store", statuses[0].Name)
	assert.False(t, statuses[0].Optional)
	assert.Equal(t, "redis", statuses[1].Name)
	assert.True(t, statuses[1].Optional)
	assert.Equal(t, "i/o timeout", statuses[1].Detail)
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		r.Register(name, func(context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Healthy: true}
		})
	}
	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Less(t, time.Since(start), 140*time.Millisecond)
}

func TestCheckAll_Timeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "slow", statuses[0].Name)
	assert.Equal(t, "check timed out", statuses[0].Detail)
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", fixed(true, ""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	assert.True(t, PingCheck("store", pinger{})(context.Background()).Healthy)

	st := PingCheck("store", pinger{err: errors.New("dial tcp: refused")})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "store", st.Name)
	assert.Equal(t, "dial tcp: refused", st.Detail)
}

func TestFlagCheck(t *testing.T) {
	running := false
	check := FlagCheck("autorelease", func() bool { return running })
	assert.False(t, check(context.Background()).Healthy)
	running = true
	assert.True(t, check(context.Background()).Healthy)
}
