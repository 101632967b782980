package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorStartsOnline(t *testing.T) {
	m := New(nil)
	require.True(t, m.Online())
}

func TestMonitorNotifiesOnChangeOnly(t *testing.T) {
	m := New(nil)
	var got []bool
	unwatch := m.Watch(func(online bool) { got = append(got, online) })

	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)
	require.Equal(t, []bool{false, true}, got)

	unwatch()
	m.Set(false)
	require.Len(t, got, 2)
	require.False(t, m.Online())
}

func TestProberFollowsReachability(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := &Prober{Monitor: m, URL: ts.URL, Interval: 10 * time.Millisecond}
	done := make(chan struct{})
	go func() {
		prober.Run(ctx)
		close(done)
	}()
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	// A closed server refuses connections.
	ts.Close()
	require.Eventually(t, func() bool { return !m.Online() }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
