package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awg-keeper/pkg/admin"
	"awg-keeper/pkg/auth"
	"awg-keeper/pkg/awg"
	"awg-keeper/pkg/config"
	"awg-keeper/pkg/ipam"
	"awg-keeper/pkg/model"
	"awg-keeper/pkg/provision"
	"awg-keeper/pkg/reconciler"
	"awg-keeper/pkg/store"
	"awg-keeper/pkg/wireguard"
)

const testToken = "static-token"

type fakeDaemon struct {
	conf  string
	table awg.Table
}

func (d *fakeDaemon) ReadConfig(context.Context) (string, error) { return d.conf, nil }

func (d *fakeDaemon) Remove(_ context.Context, key string) (bool, error) {
	next, n := wireguard.RemovePeer(d.conf, key)
	d.conf = next
	return n > 0, nil
}

func (d *fakeDaemon) SweepClients(_ context.Context, drop func(awg.ClientEntry) bool) ([]awg.ClientEntry, error) {
	return d.table.RemoveWhere(drop), nil
}

func (d *fakeDaemon) Load(context.Context) (awg.Table, error) { return d.table, nil }

type fakeProvisioner struct {
	cfg provision.ClientConfig
	err error
	got provision.Request
}

func (p *fakeProvisioner) Provision(_ context.Context, req provision.Request) (provision.ClientConfig, error) {
	p.got = req
	return p.cfg, p.err
}

type fakeSyncer struct {
	triggered int
	last      *reconciler.Report
}

func (s *fakeSyncer) Trigger() { s.triggered++ }

func (s *fakeSyncer) LastReport() (reconciler.Report, bool) {
	if s.last == nil {
		return reconciler.Report{}, false
	}
	return *s.last, true
}

type fixture struct {
	srv     *Server
	records *store.MemoryStore
	prov    *fakeProvisioner
	sync    *fakeSyncer
	peer    model.ProvisionedPeer
	owner   model.Owner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	records := store.NewMemoryStore()
	owner := model.Owner{ExternalID: "1001", Username: "alice"}
	require.NoError(t, records.CreateOwner(ctx, &owner))
	peer := model.ProvisionedPeer{OwnerID: owner.ID, Device: model.DevicePhone, PublicKey: "a1=", PrivateKey: "secret", Address: "10.8.1.17", Name: "alice_phone"}
	require.NoError(t, records.CreatePeer(ctx, &peer))

	daemon := &fakeDaemon{conf: wireguard.AppendPeer("[Interface]\n", wireguard.PeerSpec{PublicKey: "a1=", Address: "10.8.1.17"})}
	signer, err := auth.NewSigner("jwt-secret")
	require.NoError(t, err)
	f := &fixture{records: records, prov: &fakeProvisioner{}, sync: &fakeSyncer{}, peer: peer, owner: owner}
	f.srv = &Server{
		Admin:       &admin.Service{Records: records, Daemon: daemon, Metadata: daemon, Log: zerolog.Nop()},
		Provisioner: f.prov,
		Syncer:      f.sync,
		Users:       records,
		Signer:      signer,
		Token:       testToken,
		Hub:         NewWSHub(zerolog.Nop()),
		Log:         zerolog.Nop(),
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"static token", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, http.MethodGet, "/api/v1/configs", tt.token, nil).Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Auth-Token", testToken)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenWhenNoAuthConfigured(t *testing.T) {
	f := newFixture(t)
	f.srv.Token, f.srv.Signer = "", nil
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/configs", "", nil).Code)
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	creds := map[string]string{"username": "root", "password": "hunter2"}

	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", "", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/auth/register", "", creds).Code)

	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "root", "password": "bad"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{}).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["token"])

	rec = f.do(t, http.MethodDelete, "/api/v1/configs/"+itoa(f.peer.ID), out["token"], nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	audit, err := f.records.ListAudit(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "root", audit[0].Actor)
}

func TestListConfigsHidesPrivateKeys(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/configs", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	var rows []admin.PeerRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alice_phone", rows[0].Name)
	assert.Equal(t, "1001", rows[0].OwnerExternalID)
}

func TestDeleteRoutes(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/v1/configs/abc", testToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/configs/999", testToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/owners/999/configs", testToken, nil).Code)

	rec := f.do(t, http.MethodDelete, "/api/v1/owners/"+itoa(f.owner.ID)+"/configs", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())
}

func TestProvisionRoute(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown device", provision.ErrUnknownDevice, http.StatusBadRequest},
		{"imported peer", provision.ErrNoPrivateKey, http.StatusConflict},
		{"pool exhausted", ipam.ErrPoolExhausted, http.StatusServiceUnavailable},
		{"other", errors.New("docker down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.prov.cfg = provision.ClientConfig{FileName: "bob_phone.conf", Content: "[Interface]\n", Created: true,
				Peer: model.ProvisionedPeer{Address: "10.8.1.18"}}
			f.prov.err = tt.err
			rec := f.do(t, http.MethodPost, "/api/v1/provision", testToken,
				map[string]string{"externalId": "1002", "username": "bob", "device": "phone"})
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "docker down")
			if tt.err == nil {
				var out provisionResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
				assert.Equal(t, "bob_phone.conf", out.FileName)
				assert.True(t, out.Created)
				assert.Equal(t, model.DevicePhone, f.prov.got.Device)
			}
		})
	}

	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/v1/provision", testToken, map[string]string{"device": "phone"}).Code)
}

func TestStatusSyncAndStats(t *testing.T) {
	f := newFixture(t)
	f.sync.last = &reconciler.Report{ID: "pass-1", Restored: 2}

	rec := f.do(t, http.MethodGet, "/api/v1/status", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.LastPass)
	assert.Equal(t, "pass-1", st.LastPass.ID)
	assert.Len(t, st.DaemonPeers, 1)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/sync", testToken, nil).Code)
	assert.Equal(t, 1, f.sync.triggered)

	rec = f.do(t, http.MethodGet, "/api/v1/stats", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"peers":1`)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/audit?limit=x", testToken, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/audit?limit=5", testToken, nil).Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?token=" + testToken
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return f.srv.Hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.srv.Hub.Broadcast(WSMessage{Type: "reconcile_report", Payload: reconciler.Report{ID: "pass-9"}})

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string            `json:"type"`
		Payload reconciler.Report `json:"payload"`
	}
	require.NoError(t, c.ReadJSON(&msg))
	assert.Equal(t, "reconcile_report", msg.Type)
	assert.Equal(t, "pass-9", msg.Payload.ID)

	f.srv.Hub.Close()
	assert.Zero(t, f.srv.Hub.Subscribers())
}

func TestServerTLSConfig(t *testing.T) {
	cfg, err := ServerTLSConfig(config.API{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = ServerTLSConfig(config.API{ClientCA: "ca.pem"})
	assert.Error(t, err)
	_, err = ServerTLSConfig(config.API{TLSCert: "missing.pem", TLSKey: "missing.key"})
	assert.Error(t, err)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
