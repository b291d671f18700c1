// Package server exposes the arena over HTTP: match lifecycle, the live SSE
// event stream, derived artifacts, and the blind judging workflow.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"worldbuild/internal/hub"
	"worldbuild/internal/judging"
	"worldbuild/internal/logging"
	"worldbuild/internal/replay"
	"worldbuild/internal/runner"
	"worldbuild/internal/store"
	"worldbuild/internal/types"
)

const keepaliveInterval = 15 * time.Second

// Server holds the HTTP layer's collaborators.
type Server struct {
	store   *store.Store
	hub     *hub.Hub
	runner  *runner.Runner
	judging *judging.Service
}

// New assembles the server over its collaborators.
func New(st *store.Store, h *hub.Hub, r *runner.Runner, j *judging.Service) *Server {
	return &Server{store: st, hub: h, runner: r, judging: j}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/matches", s.createMatch)
	r.GET("/matches", s.listMatches)
	r.GET("/matches/:id", s.getMatch)
	r.POST("/matches/:id/cancel", s.cancelMatch)
	r.GET("/matches/:id/events", s.streamEvents)
	r.GET("/matches/:id/artifacts", s.getArtifacts)

	r.GET("/matches/:id/judging/blind", s.getBlindPackage)
	r.POST("/matches/:id/judging/scores", s.submitScore)
	r.GET("/matches/:id/judging/scores", s.listScores)
	r.GET("/matches/:id/judging/reveal", s.revealScores)

	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) createMatch(c *gin.Context) {
	var req runner.CreateRequest
	// An empty body means "all defaults".
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.runner.Create(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) listMatches(c *gin.Context) {
	matches, err := s.store.ListMatches()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if matches == nil {
		matches = []types.MatchRecord{}
	}
	c.JSON(http.StatusOK, matches)
}

func (s *Server) getMatch(c *gin.Context) {
	rec, ok := s.lookupMatch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelMatch(c *gin.Context) {
	rec, ok := s.lookupMatch(c)
	if !ok {
		return
	}
	if rec.Status != types.StatusRunning {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("match is %s", rec.Status)})
		return
	}
	s.runner.Cancel(rec.MatchID)
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) lookupMatch(c *gin.Context) (types.MatchRecord, bool) {
	rec, err := s.store.GetMatch(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return types.MatchRecord{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return types.MatchRecord{}, false
	}
	return rec, true
}

func isTerminal(eventType string) bool {
	return eventType == types.EventMatchCompleted || eventType == types.EventMatchFailed
}

// streamEvents serves the append-only log as SSE. The client's resume point
// comes from ?after=N (or the Last-Event-ID header set by the browser's
// EventSource on reconnect). Subscription happens before the catch-up read so
// no event can fall between the two; duplicates are dropped by seq.
func (s *Server) streamEvents(c *gin.Context) {
	rec, ok := s.lookupMatch(c)
	if !ok {
		return
	}

	after := int64(0)
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = n
	} else if v := c.GetHeader("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			after = n
		}
	}

	sub := s.hub.Subscribe(rec.MatchID)
	defer s.hub.Unsubscribe(rec.MatchID, sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	backlog, err := s.store.ListEvents(rec.MatchID, after)
	if err != nil {
		logging.API().Errorw("list events", "match_id", rec.MatchID, "err", err)
		return
	}

	lastSeq := after
	for _, ev := range backlog {
		if !writeEvent(c, ev) {
			return
		}
		lastSeq = ev.Seq
		if isTerminal(ev.Type) {
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if ev.Seq <= lastSeq {
				continue // already sent during catch-up
			}
			if !writeEvent(c, ev) {
				return
			}
			lastSeq = ev.Seq
			if isTerminal(ev.Type) {
				return
			}
		}
	}
}

func writeEvent(c *gin.Context, ev types.MatchEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.API().Errorw("encode event", "seq", ev.Seq, "err", err)
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", ev.Seq, payload); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func (s *Server) getArtifacts(c *gin.Context) {
	rec, ok := s.lookupMatch(c)
	if !ok {
		return
	}
	events, err := s.store.ListEvents(rec.MatchID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := gin.H{"match_id": rec.MatchID, "status": rec.Status}
	derived := 0
	for key, team := range map[string]types.TeamID{"team_a": types.TeamA, "team_b": types.TeamB} {
		artifacts, err := replay.DeriveArtifacts(events, team)
		if err != nil {
			continue // team never initialized, e.g. the match failed early
		}
		out[key] = artifacts
		derived++
	}
	if derived == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no artifacts yet"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getBlindPackage(c *gin.Context) {
	pkg, err := s.judging.BlindPackage(c.Param("id"))
	if s.judgingError(c, err) {
		return
	}
	c.JSON(http.StatusOK, pkg)
}

func (s *Server) submitScore(c *gin.Context) {
	var sub judging.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.judging.SubmitScore(c.Param("id"), sub)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, judging.ErrMatchNotFinished) {
		s.judgingError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) listScores(c *gin.Context) {
	records, err := s.judging.Scores(c.Param("id"))
	if s.judgingError(c, err) {
		return
	}
	if records == nil {
		records = []types.JudgingScoreRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) revealScores(c *gin.Context) {
	reveal, err := s.judging.RevealScores(c.Param("id"))
	if s.judgingError(c, err) {
		return
	}
	c.JSON(http.StatusOK, reveal)
}

// judgingError maps service errors to status codes. Returns true if a
// response was written.
func (s *Server) judgingError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, judging.ErrMatchNotFinished):
		// Judging artifacts do not exist until the match finishes.
		c.JSON(http.StatusNotFound, gin.H{"error": "match not finished"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
	return true
}
