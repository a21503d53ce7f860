package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/autopilot-sh/autopilot/pkg/state"
)

// Server receives tracker and code-host webhooks and serves the status
// snapshot.
type Server struct {
	trigger *Trigger
	state   *state.AppState

	trackerSecret  string
	hostSecret     string
	readyStateName string

	httpServer *http.Server
}

// NewServer wires the webhook server. Empty secrets disable the respective
// endpoint (requests are rejected).
func NewServer(t *Trigger, st *state.AppState, trackerSecret, hostSecret, readyStateName string) *Server {
	return &Server{
		trigger:        t,
		state:          st,
		trackerSecret:  trackerSecret,
		hostSecret:     hostSecret,
		readyStateName: readyStateName,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/webhooks/tracker", s.handleTrackerWebhook)
	r.POST("/webhooks/github", s.handleHostWebhook)
	r.GET("/api/status", s.handleStatus)
	return r
}

// Start serves HTTP on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// trackerIssuePayload is the slice of the tracker's Issue webhook the
// server inspects.
type trackerIssuePayload struct {
	Type string `json:"type"`
	Data struct {
		State struct {
			Name string `json:"name"`
		} `json:"state"`
	} `json:"data"`
}

func (s *Server) handleTrackerWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	sig := c.GetHeader("Linear-Signature")
	if s.trackerSecret == "" || !VerifySignature(s.trackerSecret, body, sig) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	var payload trackerIssuePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	if payload.Type == "Issue" && payload.Data.State.Name == s.readyStateName {
		slog.Info("Webhook: ticket became ready")
		s.trigger.Fire(EventIssueReady)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// hostEventPayload is the slice of the code-host webhook the server
// inspects; the event kind comes from the X-GitHub-Event header.
type hostEventPayload struct {
	Action     string `json:"action"`
	CheckSuite struct {
		Conclusion string `json:"conclusion"`
	} `json:"check_suite"`
	PullRequest struct {
		Merged bool `json:"merged"`
	} `json:"pull_request"`
}

func (s *Server) handleHostWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	sig := strings.TrimPrefix(c.GetHeader("X-Hub-Signature-256"), "sha256=")
	if s.hostSecret == "" || !VerifySignature(s.hostSecret, body, sig) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	var payload hostEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	switch c.GetHeader("X-GitHub-Event") {
	case "check_suite":
		if payload.Action == "completed" && payload.CheckSuite.Conclusion == "failure" {
			slog.Info("Webhook: CI failed")
			s.trigger.Fire(EventCIFailure)
		}
	case "pull_request":
		if payload.Action == "closed" && payload.PullRequest.Merged {
			slog.Info("Webhook: PR merged")
			s.trigger.Fire(EventPRMerged)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Snapshot())
}

// VerifySignature checks a lowercase hex HMAC-SHA256 of body in constant
// time: length first, then a timing-safe comparison.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(signature) != len(expected) {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
