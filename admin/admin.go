// Package admin serves the operator HTTP API of a fleet node: leadership
// status and control, peer listing, replica-set edits and bootstrap with
// its confirmation challenge.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/vimeo/fleetcoord"
	"github.com/vimeo/fleetcoord/coord"
	"github.com/vimeo/fleetcoord/entry"
)

// DefaultConfirmTimeout is how long a bootstrap challenge stays open when
// Config.ConfirmTimeout is zero.
const DefaultConfirmTimeout = time.Minute

const maxBodyBytes = 1 << 20

// Fleet is the node functionality the API exposes. *fleetcoord.Node
// implements it.
type Fleet interface {
	Status() fleetcoord.Status
	TryToLead(wantLead bool)
	ListPeers(ctx context.Context) (fleetcoord.ScanResult, error)
	SetReplicas(ctx context.Context, replicas entry.ReplicaSet) (entry.Version, error)
	Bootstrap(ctx context.Context, req fleetcoord.BootstrapRequest, confirm fleetcoord.Confirmer) (fleetcoord.BootstrapResult, error)
}

// Config configures a Server.
type Config struct {
	Fleet Fleet
	// ConfirmTimeout bounds how long a bootstrap waits for the answer to
	// its challenge.
	ConfirmTimeout time.Duration
	Logger         hclog.Logger
}

// Server is an http.Handler for the admin API.
type Server struct {
	fleet          Fleet
	confirmTimeout time.Duration
	logger         hclog.Logger
	mux            *http.ServeMux

	// bootstraps outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	bootstrapping bool
	pending       map[uuid.UUID]*pendingBootstrap
}

type pendingBootstrap struct {
	id       uuid.UUID
	question string
	expires  time.Time

	// closed once a challenge is registered
	gate   chan struct{}
	answer chan int
	// closed once Bootstrap returns; res and err are set before
	done chan struct{}
	res  fleetcoord.BootstrapResult
	err  error
}

// New constructs a Server. Close it to abandon in-flight bootstraps.
func New(cfg Config) (*Server, error) {
	if cfg.Fleet == nil {
		return nil, fmt.Errorf("missing Fleet")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		fleet:          cfg.Fleet,
		confirmTimeout: cfg.ConfirmTimeout,
		logger:         logger.Named("admin"),
		mux:            http.NewServeMux(),
		ctx:            ctx,
		cancel:         cancel,
		pending:        map[uuid.UUID]*pendingBootstrap{},
	}
	s.mux.HandleFunc("GET /leader", s.handleStatus)
	s.mux.HandleFunc("POST /leader/lead", s.handleTryToLead(true))
	s.mux.HandleFunc("POST /leader/watch", s.handleTryToLead(false))
	s.mux.HandleFunc("GET /peers", s.handlePeers)
	s.mux.HandleFunc("GET /replicas", s.handleGetReplicas)
	s.mux.HandleFunc("PUT /replicas", s.handlePutReplicas)
	s.mux.HandleFunc("POST /bootstrap", s.handleBootstrap)
	s.mux.HandleFunc("POST /bootstrap/confirm", s.handleConfirm)
	return s, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve accepts connections on lis until ctx is cancelled, then shuts the
// HTTP server down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          s.logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	s.logger.Info("serving admin API", "address", lis.Addr().String())
	select {
	case err := <-errCh:
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("admin server shutdown incomplete", "error", err)
	}
	<-errCh
	return nil
}

// Close abandons in-flight bootstraps and waits for them to return.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

type peerJSON struct {
	ID          entry.PeerID `json:"id"`
	Address     string       `json:"address"`
	Description string       `json:"description,omitempty"`
}

func toPeerJSON(r entry.PeerRecord) peerJSON {
	return peerJSON{ID: r.ID, Address: r.Address, Description: r.Description}
}

type replicasJSON struct {
	Initialized bool           `json:"initialized"`
	Replicas    []entry.PeerID `json:"replicas"`
	Version     entry.Version  `json:"version"`
}

func toReplicasJSON(v entry.VersionedReplicaSet) replicasJSON {
	ids := []entry.PeerID(v.Replicas)
	if ids == nil {
		ids = []entry.PeerID{}
	}
	return replicasJSON{Initialized: v.Exists(), Replicas: ids, Version: v.Version}
}

type statusJSON struct {
	State         string       `json:"state"`
	Campaigning   bool         `json:"campaigning"`
	Connected     bool         `json:"connected"`
	Leader        entry.PeerID `json:"leader,omitempty"`
	LeaderAddress string       `json:"leader_address,omitempty"`
	LeaderZxid    int64        `json:"leader_zxid,omitempty"`
	Self          peerJSON     `json:"self"`
	Peers         []peerJSON   `json:"peers"`
	Replicas      replicasJSON `json:"replicas"`
}

type peerTxnJSON struct {
	peerJSON
	LastTxn int64  `json:"last_txn"`
	Error   string `json:"error,omitempty"`
}

type scanJSON struct {
	Peers   []peerTxnJSON `json:"peers"`
	Best    entry.PeerID  `json:"best,omitempty"`
	BestTxn int64         `json:"best_txn"`
}

func toScanJSON(sr fleetcoord.ScanResult) scanJSON {
	out := scanJSON{Peers: make([]peerTxnJSON, 0, len(sr.Peers)), Best: sr.Best, BestTxn: sr.BestTxn}
	for _, p := range sr.Peers {
		pj := peerTxnJSON{peerJSON: toPeerJSON(p.Peer), LastTxn: p.LastTxn}
		if p.Err != nil {
			pj.Error = p.Err.Error()
		}
		out.Peers = append(out.Peers, pj)
	}
	return out
}

type setReplicasJSON struct {
	Replicas []entry.PeerID `json:"replicas"`
}

type bootstrapRequestJSON struct {
	Initialize bool           `json:"initialize"`
	Override   []entry.PeerID `json:"override,omitempty"`
}

type bootstrapResultJSON struct {
	Outcome  string       `json:"outcome"`
	ExitCode int          `json:"exit_code"`
	Replicas replicasJSON `json:"replicas"`
	Scan     scanJSON     `json:"scan"`
	Error    string       `json:"error,omitempty"`
}

type challengeJSON struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	Question    string    `json:"question"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type confirmJSON struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	Answer      int       `json:"answer"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorJSON{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.fleet.Status()
	out := statusJSON{
		State:       st.State.String(),
		Campaigning: st.Campaigning,
		Connected:   st.Connected,
		Leader:      st.Leader.Peer,
		LeaderZxid:  st.Leader.Zxid,
		Self:        toPeerJSON(st.Self),
		Peers:       make([]peerJSON, 0, len(st.Peers)),
		Replicas:    toReplicasJSON(st.Replicas),
	}
	for _, p := range st.Peers {
		out.Peers = append(out.Peers, toPeerJSON(p))
		if p.ID == st.Leader.Peer {
			out.LeaderAddress = p.Address
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTryToLead(wantLead bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Info("leadership preference changed", "campaign", wantLead)
		s.fleet.TryToLead(wantLead)
		s.handleStatus(w, r)
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	sr, err := s.fleet.ListPeers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toScanJSON(sr))
}

func (s *Server) handleGetReplicas(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, toReplicasJSON(s.fleet.Status().Replicas))
}

func (s *Server) handlePutReplicas(w http.ResponseWriter, r *http.Request) {
	req := setReplicasJSON{}
	if !s.decode(w, r, &req) {
		return
	}
	replicas := make(entry.ReplicaSet, 0, len(req.Replicas))
	for _, id := range req.Replicas {
		if id != "" {
			replicas = append(replicas, id)
		}
	}
	if len(replicas) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("empty replica set"))
		return
	}
	version, err := s.fleet.SetReplicas(r.Context(), replicas)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, replicasJSON{Initialized: true, Replicas: replicas, Version: version})
	case errors.Is(err, fleetcoord.ErrNotLeader):
		s.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, fleetcoord.ErrVersionConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, fleetcoord.ErrNoReplicaSet):
		s.writeError(w, http.StatusNotFound, err)
	default:
		s.logger.Error("failed to set replica set", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// outcomeStatus maps a bootstrap outcome to an HTTP status.
func outcomeStatus(o fleetcoord.Outcome) int {
	switch o {
	case fleetcoord.OutcomeRefused, fleetcoord.OutcomeNothingToSeed:
		return http.StatusConflict
	case fleetcoord.OutcomeAborted:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

func (s *Server) writeBootstrapResult(w http.ResponseWriter, p *pendingBootstrap) {
	out := bootstrapResultJSON{
		Outcome:  p.res.Outcome.String(),
		ExitCode: p.res.Outcome.ExitCode(),
		Replicas: toReplicasJSON(p.res.Replicas),
		Scan:     toScanJSON(p.res.Scan),
	}
	if p.err != nil {
		out.Error = p.err.Error()
		out.ExitCode = 2
		code := http.StatusInternalServerError
		if errors.Is(p.err, coord.ErrNodeExists) {
			code = http.StatusConflict
		}
		s.writeJSON(w, code, out)
		return
	}
	s.writeJSON(w, outcomeStatus(p.res.Outcome), out)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	req := bootstrapRequestJSON{}
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	if s.bootstrapping {
		s.mu.Unlock()
		s.writeError(w, http.StatusConflict, fmt.Errorf("a bootstrap is already in progress"))
		return
	}
	s.bootstrapping = true
	s.mu.Unlock()

	p := &pendingBootstrap{
		gate:   make(chan struct{}),
		answer: make(chan int, 1),
		done:   make(chan struct{}),
	}
	breq := fleetcoord.BootstrapRequest{Initialize: req.Initialize}
	for _, id := range req.Override {
		if id != "" {
			breq.Override = append(breq.Override, id)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(p.done)
		p.res, p.err = s.fleet.Bootstrap(s.ctx, breq, s.confirmer(p))
		s.mu.Lock()
		s.bootstrapping = false
		s.mu.Unlock()
	}()

	select {
	case <-p.gate:
		s.writeJSON(w, http.StatusAccepted, challengeJSON{
			ChallengeID: p.id,
			Question:    p.question,
			ExpiresAt:   p.expires,
		})
	case <-p.done:
		s.writeBootstrapResult(w, p)
	case <-r.Context().Done():
	}
}

// confirmer registers the challenge for p, then waits for an answer
// through the confirm endpoint.
func (s *Server) confirmer(p *pendingBootstrap) fleetcoord.Confirmer {
	return fleetcoord.ConfirmerFunc(func(ctx context.Context, c fleetcoord.Challenge) (int, error) {
		p.id = uuid.New()
		p.question = c.Question()
		p.expires = time.Now().Add(s.confirmTimeout)

		s.mu.Lock()
		s.pending[p.id] = p
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.pending, p.id)
		}()
		s.logger.Warn("bootstrap override awaiting confirmation", "challenge_id", p.id.String(),
			"override", c.Override.String())
		close(p.gate)

		waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
		defer cancel()
		select {
		case a := <-p.answer:
			return a, nil
		case <-waitCtx.Done():
			return 0, fmt.Errorf("%w: challenge %s: %w", fleetcoord.ErrConfirmationFailed, p.id, waitCtx.Err())
		}
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	req := confirmJSON{}
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	p, ok := s.pending[req.ChallengeID]
	delete(s.pending, req.ChallengeID)
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no pending challenge %s", req.ChallengeID))
		return
	}
	// the entry was removed, so nobody else can send
	p.answer <- req.Answer
	select {
	case <-p.done:
		s.writeBootstrapResult(w, p)
	case <-r.Context().Done():
	}
}
