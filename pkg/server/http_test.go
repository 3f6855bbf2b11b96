package server_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phnx-im/eid/internal/storage/sqlite"
	"github.com/phnx-im/eid/pkg/audit"
	"github.com/phnx-im/eid/pkg/backend"
	"github.com/phnx-im/eid/pkg/checkpoint"
	"github.com/phnx-im/eid/pkg/eid"
	"github.com/phnx-im/eid/pkg/server"
)

type testServer struct {
	mux     *http.ServeMux
	backend *backend.Backend
	signer  *checkpoint.Ed25519Signer
	auditor *audit.Auditor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "http-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	manager, err := sqlite.NewStoreManager(tmpDir, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { manager.CloseAll() })

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := checkpoint.NewEd25519Signer(priv, "auditor.test")
	require.NoError(t, err)

	b := backend.New()
	auditor, err := audit.New(audit.Config{
		Stores:       manager,
		Backend:      b,
		Signer:       signer,
		OriginPrefix: "auditor.test",
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	server.NewHTTPHandler(auditor).Register(mux)
	return &testServer{mux: mux, backend: b, signer: signer, auditor: auditor}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func (s *testServer) newClient(t *testing.T) *eid.Client {
	t.Helper()
	id, err := s.backend.NewIdentity()
	require.NoError(t, err)
	client, err := eid.CreateEID(id, s.backend)
	require.NoError(t, err)
	return client
}

func (s *testServer) add(t *testing.T, client *eid.Client) eid.Evolvement {
	t.Helper()
	id, err := s.backend.NewIdentity()
	require.NoError(t, err)
	ev, err := client.Add(id, s.backend)
	require.NoError(t, err)
	require.NoError(t, client.Evolve(ev, s.backend))
	return ev
}

func TestHTTP_OpenAndSubmit(t *testing.T) {
	s := newTestServer(t)
	client := s.newClient(t)
	group := string(client.Group())

	w := s.do(t, "POST", "/groups", client.ExportTranscriptState())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var opened server.OpenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, client.Group(), opened.Group)

	ev := s.add(t, client)
	w = s.do(t, "POST", "/groups/"+group+"/evolvements", ev)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var submitted server.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	wantID, err := ev.ID()
	require.NoError(t, err)
	assert.Equal(t, wantID, submitted.CID)
	assert.Equal(t, uint64(1), submitted.Epoch)

	w = s.do(t, "GET", "/groups/"+group+"/members", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state eid.TranscriptState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, client.ExportTranscriptState(), state)

	w = s.do(t, "GET", "/groups/"+group+"/log", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var log server.LogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &log))
	require.Len(t, log.Evolvements, 1)
	assert.True(t, ev.Equal(log.Evolvements[0]))
	assert.Equal(t, uint64(0), log.Trusted.Epoch)

	w = s.do(t, "GET", "/evolvements/"+wantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched eid.Evolvement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.True(t, ev.Equal(fetched))

	w = s.do(t, "GET", "/groups/"+group+"/evolvements/"+wantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	fetched = eid.Evolvement{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.True(t, ev.Equal(fetched))
}

func TestHTTP_Checkpoint(t *testing.T) {
	s := newTestServer(t)
	client := s.newClient(t)
	group := client.Group()

	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/groups", client.ExportTranscriptState()).Code)
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/groups/"+string(group)+"/evolvements", s.add(t, client)).Code)

	w := s.do(t, "GET", "/groups/"+string(group)+"/checkpoint", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=5", w.Header().Get("Cache-Control"))

	v, err := s.signer.Verifier()
	require.NoError(t, err)
	cp, err := checkpoint.Verify(w.Body.Bytes(), s.auditor.Origin(group), v)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.Size)
}

func TestHTTP_Errors(t *testing.T) {
	s := newTestServer(t)
	client := s.newClient(t)
	group := string(client.Group())
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/groups", client.ExportTranscriptState()).Code)

	forged := s.newClient(t).ExportTranscriptState()
	forged.Group = client.Group() + "\n999\nQUFBQQ=="
	missing, err := eid.Evolvement{Kind: eid.KindAdd, Group: client.Group(), Epoch: 1}.ID()
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"reopen", "POST", "/groups", client.ExportTranscriptState(), http.StatusConflict},
		{"unknown group", "GET", "/groups/unknown/members", nil, http.StatusNotFound},
		{"invalid group", "GET", "/groups/a.b/log", nil, http.StatusBadRequest},
		{"multiline group", "POST", "/groups", forged, http.StatusBadRequest},
		{"evolvement of other group", "GET", "/groups/unknown/evolvements/" + missing, nil, http.StatusNotFound},
		{"malformed cid", "GET", "/evolvements/bagaaiera", nil, http.StatusBadRequest},
		{"forged evolvement", "POST", "/groups/" + group + "/evolvements", eid.Evolvement{Kind: eid.KindAdd, Group: client.Group(), Epoch: 1}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHTTP_BadBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/groups", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_BodyTooLarge(t *testing.T) {
	s := newTestServer(t)

	mux := http.NewServeMux()
	server.NewHTTPHandler(s.auditor, server.WithMaxBodySize(16)).Register(mux)

	req := httptest.NewRequest("POST", "/groups", strings.NewReader(`{"group":"`+strings.Repeat("a", 64)+`"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCheckpoint_NoSigner(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "http-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	manager, err := sqlite.NewStoreManager(tmpDir, 0, nil)
	require.NoError(t, err)
	defer manager.CloseAll()

	auditor, err := audit.New(audit.Config{Stores: manager, Backend: backend.New()})
	require.NoError(t, err)
	handler := server.NewHTTPHandler(auditor)

	req := httptest.NewRequest("GET", "/groups/g/checkpoint", nil)
	req.SetPathValue("groupID", "g")
	w := httptest.NewRecorder()

	handler.HandleCheckpoint(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
