// Package runner owns the match lifecycle: it creates match records, drives
// both team engines through the five phases in lockstep, and routes every
// event through the store (for durability and sequencing) before fanning it
// out to live subscribers.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"worldbuild/internal/challenge"
	"worldbuild/internal/engine"
	"worldbuild/internal/hub"
	"worldbuild/internal/logging"
	"worldbuild/internal/provider"
	"worldbuild/internal/store"
	"worldbuild/internal/types"
)

// CreateRequest holds the caller-supplied match parameters. A nil Seed asks
// the runner to draw one.
type CreateRequest struct {
	Seed *int64 `json:"seed,omitempty"`
	Tier int    `json:"tier"`
}

// Runner creates and supervises matches.
type Runner struct {
	store *store.Store
	hub   *hub.Hub
	llm   provider.Client
	cfg   engine.Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    sync.WaitGroup
}

// New wires a runner over its persistence, fan-out, and provider layers.
func New(st *store.Store, h *hub.Hub, llm provider.Client, cfg engine.Config) *Runner {
	return &Runner{
		store:   st,
		hub:     h,
		llm:     llm,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

func drawSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("read random seed: %v", err))
	}
	// Keep seeds positive so they read cleanly in URLs and logs.
	return int64(binary.BigEndian.Uint64(buf[:]) >> 1)
}

// Create persists a new match and starts its pipeline in the background.
func (r *Runner) Create(req CreateRequest) (types.MatchRecord, error) {
	seed := drawSeed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	tier := req.Tier
	if tier == 0 {
		tier = 1
	}
	ch, err := challenge.Generate(seed, tier)
	if err != nil {
		return types.MatchRecord{}, err
	}

	matchID := uuid.NewString()
	rec, err := r.store.CreateMatch(matchID, seed, tier, ch)
	if err != nil {
		return types.MatchRecord{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[matchID] = cancel
	r.mu.Unlock()

	r.done.Add(1)
	go func() {
		defer r.done.Done()
		defer r.clearCancel(matchID)
		r.runPipeline(ctx, matchID, seed, ch)
	}()

	logging.Runner().Infow("match created", "match_id", matchID, "seed", seed, "tier", tier)
	return rec, nil
}

// Cancel stops a running match. It is a no-op for matches that already
// finished.
func (r *Runner) Cancel(matchID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[matchID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every started pipeline has finished. Intended for
// shutdown and tests.
func (r *Runner) Wait() { r.done.Wait() }

func (r *Runner) clearCancel(matchID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[matchID]; ok {
		cancel()
		delete(r.cancels, matchID)
	}
	r.mu.Unlock()
}

// emit appends an event to the durable log and then publishes it live.
// Ordering is preserved because the store assigns the sequence number before
// the hub sees the event.
func (r *Runner) emit(matchID string, team *types.TeamID, eventType string, data any) error {
	ev, err := r.store.Append(matchID, team, eventType, data)
	if err != nil {
		return err
	}
	r.hub.Publish(ev)
	return nil
}

func (r *Runner) sinkFor(matchID string, team types.TeamID) engine.Sink {
	return func(_ context.Context, eventType string, _ *types.TeamID, data any) error {
		return r.emit(matchID, &team, eventType, data)
	}
}

func (r *Runner) runPipeline(ctx context.Context, matchID string, seed int64, ch types.Challenge) {
	log := logging.Runner().With("match_id", matchID)

	fail := func(err error) {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "cancelled"
		}
		log.Warnw("match failed", "err", msg)
		if dbErr := r.store.MarkFailed(matchID, msg); dbErr != nil {
			log.Errorw("mark failed", "err", dbErr)
		}
		if emitErr := r.emit(matchID, nil, types.EventMatchFailed, types.MatchFailedData{Error: msg}); emitErr != nil {
			log.Errorw("emit match_failed", "err", emitErr)
		}
		r.hub.CloseMatch(matchID)
	}

	if err := r.emit(matchID, nil, types.EventMatchCreated, types.MatchCreatedData{Seed: seed, Tier: ch.Tier}); err != nil {
		fail(err)
		return
	}
	if err := r.emit(matchID, nil, types.EventChallengeRevealed, ch); err != nil {
		fail(err)
		return
	}

	engines := map[types.TeamID]*engine.Engine{}
	for _, team := range []types.TeamID{types.TeamA, types.TeamB} {
		e := engine.New(team, r.llm, r.sinkFor(matchID, team), r.cfg)
		if err := e.Init(ctx, seed, ch); err != nil {
			fail(err)
			return
		}
		engines[team] = e
	}

	// Both teams run each phase concurrently and neither advances until the
	// other has finished the phase.
	for phase := 1; phase <= 5; phase++ {
		g, gctx := errgroup.WithContext(ctx)
		for _, e := range engines {
			e := e
			g.Go(func() error { return e.RunPhase(gctx, phase) })
		}
		if err := g.Wait(); err != nil {
			fail(err)
			return
		}
		log.Debugw("phase complete", "phase", phase)
	}

	hashA, err := engines[types.TeamA].CanonHash()
	if err != nil {
		fail(err)
		return
	}
	hashB, err := engines[types.TeamB].CanonHash()
	if err != nil {
		fail(err)
		return
	}

	if err := r.store.MarkCompleted(matchID, hashA, hashB); err != nil {
		fail(err)
		return
	}
	if err := r.emit(matchID, nil, types.EventMatchCompleted, types.MatchCompletedData{
		CanonHashA: hashA,
		CanonHashB: hashB,
	}); err != nil {
		log.Errorw("emit match_completed", "err", err)
	}
	r.hub.CloseMatch(matchID)
	log.Infow("match completed", "canon_hash_a", hashA, "canon_hash_b", hashB)
}
