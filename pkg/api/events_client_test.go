package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awg-keeper/pkg/reconciler"
)

func TestEventsClientReceivesReports(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	c, err := NewEventsClient(ts.URL, testToken)
	require.NoError(t, err)
	c.Retry = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan WSMessage, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Watch(ctx, func(m WSMessage) { got <- m }) }()

	require.Eventually(t, func() bool { return f.srv.Hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.srv.Hub.Broadcast(WSMessage{Type: "reconcile_report", Payload: reconciler.Report{ID: "pass-3"}})

	select {
	case m := <-got:
		assert.Equal(t, "reconcile_report", m.Type)
		var rep reconciler.Report
		require.NoError(t, json.Unmarshal(m.Payload.(json.RawMessage), &rep))
		assert.Equal(t, "pass-3", rep.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestEventsClientStopsOnUnauthorized(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	c, err := NewEventsClient(ts.URL, "wrong")
	require.NoError(t, err)
	err = c.Watch(context.Background(), func(WSMessage) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
