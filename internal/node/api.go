package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/holiman/uint256"

	"meshledger/internal/identity"
	"meshledger/internal/ledger"
	"meshledger/internal/replication"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// Executor runs mutating ledger commands. Both *ledger.Ledger and
// *replication.Replicator satisfy it.
type Executor interface {
	Execute(ctx context.Context, cmd ledger.Command) error
}

// EventLog serves the persisted audit log
type EventLog interface {
	Events(ctx context.Context, after uint64, limit int) ([]ledger.Event, error)
}

// BalanceBook reports funding-account balances
type BalanceBook interface {
	Balance(addr ledger.Address) *uint256.Int
}

// APIConfig wires the HTTP API to its collaborators
type APIConfig struct {
	Ledger   *ledger.Ledger
	Executor Executor    // defaults to Ledger
	Events   EventLog    // optional
	Balances BalanceBook // optional
	Verifier *identity.Verifier
	Limiter  *RateLimiter
	Metrics  *Metrics
	Gatherer prometheus.Gatherer
	Stream   *WSManager

	Version    string
	Constraint version.Constraints
	MaxBody    int64
}

// API serves the ledger over HTTP
type API struct {
	ledger   *ledger.Ledger
	exec     Executor
	events   EventLog
	balances BalanceBook
	verifier *identity.Verifier
	limiter  *RateLimiter
	metrics  *Metrics
	gatherer prometheus.Gatherer
	stream   *WSManager

	version    string
	constraint version.Constraints
	maxBody    int64

	log *log.Entry
}

// NewAPI creates the HTTP API
func NewAPI(cfg APIConfig) *API {
	a := &API{
		ledger:     cfg.Ledger,
		exec:       cfg.Executor,
		events:     cfg.Events,
		balances:   cfg.Balances,
		verifier:   cfg.Verifier,
		limiter:    cfg.Limiter,
		metrics:    cfg.Metrics,
		gatherer:   cfg.Gatherer,
		stream:     cfg.Stream,
		version:    cfg.Version,
		constraint: cfg.Constraint,
		maxBody:    cfg.MaxBody,
		log:        log.WithField("component", "api"),
	}
	if a.exec == nil {
		a.exec = cfg.Ledger
	}
	if a.verifier == nil {
		a.verifier = identity.NewVerifier(identity.DefaultTolerance)
	}
	if a.limiter == nil {
		a.limiter = NewRateLimiter(10, 20)
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.maxBody <= 0 {
		a.maxBody = DefaultMaxBodyBytes
	}
	return a
}

// Router builds the route table
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware(a.metrics))
	r.Use(versionMiddleware(a.version, a.constraint))

	v1 := "/api/v1"

	// Node operations
	r.HandleFunc(v1+"/nodes", a.signed(a.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc(v1+"/nodes/stake", a.signed(a.handleAddStake)).Methods(http.MethodPost)
	r.HandleFunc(v1+"/nodes", a.signed(a.handleDeregister)).Methods(http.MethodDelete)

	// Queries
	r.HandleFunc(v1+"/nodes", a.throttled(a.handleListNodes)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/nodes/{address}", a.throttled(a.handleGetNode)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/nodes/{address}/reward", a.throttled(a.handlePreviewReward)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/active", a.throttled(a.handleActiveNodes)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/stats", a.throttled(a.handleStats)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/events", a.throttled(a.handleEvents)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/balances/{address}", a.throttled(a.handleBalance)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/health", a.handleHealth).Methods(http.MethodGet)

	// Privileged operations
	r.HandleFunc(v1+"/admin/rewards/{address}", a.signed(a.handleDistributeReward)).Methods(http.MethodPost)
	r.HandleFunc(v1+"/admin/reputation/{address}", a.signed(a.handleUpdateReputation)).Methods(http.MethodPost)
	r.HandleFunc(v1+"/admin/pool", a.signed(a.handleFundPool)).Methods(http.MethodPost)
	r.HandleFunc(v1+"/admin/pool", a.signed(a.handlePoolBalance)).Methods(http.MethodGet)
	r.HandleFunc(v1+"/admin/withdraw", a.signed(a.handleEmergencyWithdraw)).Methods(http.MethodPost)
	r.HandleFunc(v1+"/admin/deposits/{address}", a.signed(a.handleDeposit)).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if a.stream != nil {
		r.HandleFunc("/ws", a.throttled(a.stream.handleWebSocket)).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not-found"})
	})
	return r
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type registerRequest struct {
	Bond       string `json:"bond"`
	Descriptor string `json:"descriptor"`
}

type reputationRequest struct {
	Delta    int64 `json:"delta"`
	Reliable bool  `json:"reliable"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := Caller(r.Context())
	cmd := ledger.Command{Op: ledger.OpRegister, Caller: caller, Amount: req.Bond, Descriptor: req.Descriptor}
	if !a.execute(w, r, cmd) {
		return
	}
	a.writeNode(w, r, caller, http.StatusCreated)
}

func (a *API) handleAddStake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := Caller(r.Context())
	if !a.execute(w, r, ledger.Command{Op: ledger.OpAddStake, Caller: caller, Amount: req.Amount}) {
		return
	}
	a.writeNode(w, r, caller, http.StatusOK)
}

func (a *API) handleDeregister(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r.Context())
	if !a.execute(w, r, ledger.Command{Op: ledger.OpDeregister, Caller: caller}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": string(caller),
		"status":  "deregistered",
	})
}

func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	a.writeNode(w, r, ledger.Address(mux.Vars(r)["address"]), http.StatusOK)
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := a.ledger.Nodes(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (a *API) handleActiveNodes(w http.ResponseWriter, r *http.Request) {
	nodes := a.ledger.ActiveNodes(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (a *API) handlePreviewReward(w http.ResponseWriter, r *http.Request) {
	target := ledger.Address(mux.Vars(r)["address"])
	p, err := a.ledger.PreviewReward(r.Context(), target)
	if err != nil && !errors.Is(err, ledger.ErrTooSoon) {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":     target,
		"reward":      p.Reward.Dec(),
		"elapsed":     p.Elapsed,
		"eligible_at": p.EligibleAt,
		"due":         err == nil,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsView(a.ledger.Stats(r.Context())))
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "event-log-disabled"})
		return
	}
	q := r.URL.Query()
	var after uint64
	if s := q.Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, ErrBadRequest)
			return
		}
		after = v
	}
	limit := defaultEventPage
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, r, http.StatusBadRequest, ErrBadRequest)
			return
		}
		limit = min(v, maxEventPage)
	}

	evs, err := a.events.Events(r.Context(), after, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	if a.balances == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "balances-disabled"})
		return
	}
	addr := ledger.Address(mux.Vars(r)["address"])
	writeJSON(w, http.StatusOK, map[string]string{
		"address": string(addr),
		"balance": a.balances.Balance(addr).Dec(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": a.version,
		"owner":   string(a.ledger.Owner()),
	})
}

func (a *API) handleDistributeReward(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r.Context())
	target := ledger.Address(mux.Vars(r)["address"])
	if !a.execute(w, r, ledger.Command{Op: ledger.OpDistributeReward, Caller: caller, Target: target}) {
		return
	}
	a.writeNode(w, r, target, http.StatusOK)
}

func (a *API) handleUpdateReputation(w http.ResponseWriter, r *http.Request) {
	var req reputationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := Caller(r.Context())
	target := ledger.Address(mux.Vars(r)["address"])
	cmd := ledger.Command{Op: ledger.OpUpdateReputation, Caller: caller, Target: target, Delta: req.Delta, Reliable: req.Reliable}
	if !a.execute(w, r, cmd) {
		return
	}
	a.writeNode(w, r, target, http.StatusOK)
}

func (a *API) handleFundPool(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := Caller(r.Context())
	if !a.execute(w, r, ledger.Command{Op: ledger.OpFundPool, Caller: caller, Amount: req.Amount}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reward_pool": a.ledger.Stats(r.Context()).RewardPool.Dec()})
}

func (a *API) handlePoolBalance(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r.Context())
	pool, err := a.ledger.PoolBalance(r.Context(), caller)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reward_pool": pool.Dec()})
}

// handleDeposit records funds that arrived for the address outside the ledger
func (a *API) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, _ := Caller(r.Context())
	target := ledger.Address(mux.Vars(r)["address"])
	if !a.execute(w, r, ledger.Command{Op: ledger.OpDeposit, Caller: caller, Target: target, Amount: req.Amount}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": string(target), "status": "deposited"})
}

func (a *API) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r.Context())
	if !a.execute(w, r, ledger.Command{Op: ledger.OpEmergencyWithdraw, Caller: caller}) {
		return
	}
	writeJSON(w, http.StatusOK, statsView(a.ledger.Stats(r.Context())))
}

// execute runs cmd and writes the error response on failure
func (a *API) execute(w http.ResponseWriter, r *http.Request, cmd ledger.Command) bool {
	if err := a.exec.Execute(r.Context(), cmd); err != nil {
		a.log.WithFields(log.Fields{
			"request_id": RequestID(r.Context()),
			"op":         cmd.Op,
			"caller":     cmd.Caller,
		}).WithError(err).Info("Ledger operation rejected")
		writeLedgerError(w, r, err)
		return false
	}
	return true
}

func (a *API) writeNode(w http.ResponseWriter, r *http.Request, addr ledger.Address, status int) {
	n, err := a.ledger.GetNode(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, status, n.Record())
}

func statsView(s ledger.Stats) map[string]interface{} {
	return map[string]interface{}{
		"total_nodes":  s.TotalNodes,
		"active_nodes": s.ActiveNodes,
		"total_staked": s.TotalStaked.Dec(),
		"reward_pool":  s.RewardPool.Dec(),
	}
}

// decodeBody decodes a JSON request body, treating an empty body as empty
// fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, ErrBadRequest)
		return false
	}
	return true
}

// statusFor maps ledger and transport errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrPayoutFailed):
		return http.StatusBadGateway
	case errors.Is(err, ledger.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, replication.ErrNotLeader):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case ledger.Reason(err) != "":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

// writeError writes {"error": reason}. Ledger rejections use their reason
// string and other client errors their sentinel text. Server faults are
// logged and reported only as internal-error.
func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	reason := ledger.Reason(err)
	switch {
	case reason != "":
	case status == http.StatusInternalServerError:
		log.WithFields(log.Fields{
			"request_id": RequestID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("Internal error serving request")
		reason = "internal-error"
	default:
		reason = rootError(err).Error()
	}
	body := map[string]string{"error": reason}
	if id := RequestID(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, status, body)
}

// rootError follows a single-error wrap chain to its innermost error
func rootError(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}
