package trigger

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilot-sh/autopilot/pkg/retry"
	"github.com/autopilot-sh/autopilot/pkg/state"
)

const (
	testTrackerSecret = "tracker-secret"
	testHostSecret    = "host-secret"
)

func signHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*Server, *Trigger, *state.AppState) {
	t.Helper()
	tr := New()
	st := state.New(3, retry.NewRegistry())
	return NewServer(tr, st, testTrackerSecret, testHostSecret, "Ready"), tr, st
}

func post(router http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	valid := signHex("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, valid))
	assert.False(t, VerifySignature("s3cret", body, signHex("other", body)))
	assert.False(t, VerifySignature("s3cret", body, "deadbeef"), "wrong length")
	assert.False(t, VerifySignature("s3cret", body, ""))
}

func TestTrackerWebhook_ReadyStateFires(t *testing.T) {
	s, tr, _ := newTestServer(t)
	router := s.Router()
	ch := tr.Wait()

	body := []byte(`{"type":"Issue","data":{"state":{"name":"Ready"}}}`)
	w := post(router, "/webhooks/tracker", body, map[string]string{
		"Linear-Signature": signHex(testTrackerSecret, body),
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, EventIssueReady, <-ch)
}

func TestTrackerWebhook_OtherStateDoesNotFire(t *testing.T) {
	s, tr, _ := newTestServer(t)
	router := s.Router()
	tr.Wait()

	body := []byte(`{"type":"Issue","data":{"state":{"name":"In Progress"}}}`)
	w := post(router, "/webhooks/tracker", body, map[string]string{
		"Linear-Signature": signHex(testTrackerSecret, body),
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, tr.Waiting(), "waiter must stay registered")
}

func TestTrackerWebhook_BadSignatureRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router()

	body := []byte(`{"type":"Issue","data":{"state":{"name":"Ready"}}}`)
	w := post(router, "/webhooks/tracker", body, map[string]string{
		"Linear-Signature": signHex("wrong", body),
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTrackerWebhook_EmptySecretRejectsAll(t *testing.T) {
	tr := New()
	st := state.New(3, retry.NewRegistry())
	s := NewServer(tr, st, "", "", "Ready")
	router := s.Router()

	body := []byte(`{"type":"Issue","data":{"state":{"name":"Ready"}}}`)
	w := post(router, "/webhooks/tracker", body, map[string]string{
		"Linear-Signature": signHex("", body),
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHostWebhook_CheckSuiteFailureFires(t *testing.T) {
	s, tr, _ := newTestServer(t)
	router := s.Router()
	ch := tr.Wait()

	body := []byte(`{"action":"completed","check_suite":{"conclusion":"failure"}}`)
	w := post(router, "/webhooks/github", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + signHex(testHostSecret, body),
		"X-GitHub-Event":      "check_suite",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, EventCIFailure, <-ch)
}

func TestHostWebhook_CheckSuiteSuccessDoesNotFire(t *testing.T) {
	s, tr, _ := newTestServer(t)
	router := s.Router()
	tr.Wait()

	body := []byte(`{"action":"completed","check_suite":{"conclusion":"success"}}`)
	w := post(router, "/webhooks/github", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + signHex(testHostSecret, body),
		"X-GitHub-Event":      "check_suite",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, tr.Waiting())
}

func TestHostWebhook_MergedPRFires(t *testing.T) {
	s, tr, _ := newTestServer(t)
	router := s.Router()
	ch := tr.Wait()

	body := []byte(`{"action":"closed","pull_request":{"merged":true}}`)
	w := post(router, "/webhooks/github", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + signHex(testHostSecret, body),
		"X-GitHub-Event":      "pull_request",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, EventPRMerged, <-ch)
}

func TestHostWebhook_ClosedUnmergedDoesNotFire(t *testing.T) {
	s, tr, _ := newTestServer(t)
	router := s.Router()
	tr.Wait()

	body := []byte(`{"action":"closed","pull_request":{"merged":false}}`)
	w := post(router, "/webhooks/github", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + signHex(testHostSecret, body),
		"X-GitHub-Event":      "pull_request",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, tr.Waiting())
}

func TestHostWebhook_MissingPrefixRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router()

	body := []byte(`{"action":"closed","pull_request":{"merged":true}}`)
	w := post(router, "/webhooks/github", body, map[string]string{
		"X-Hub-Signature-256": signHex("wrong", body),
		"X-GitHub-Event":      "pull_request",
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s, _, st := newTestServer(t)
	router := s.Router()
	st.TogglePause()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Paused)
	assert.Empty(t, snap.Agents)
}
