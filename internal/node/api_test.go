package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshledger/internal/crypto"
	"meshledger/internal/identity"
	"meshledger/internal/ledger"

	"github.com/hashicorp/go-version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oneToken = "1000000000000000000"
	poolSize = "100000000000000000000"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) Now() time.Time { return time.Unix(c.now, 0) }

type account struct {
	*crypto.Keypair
	addr ledger.Address
}

func newAccount(t *testing.T) account {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := identity.EncodeAddress(kp.PublicKey(), identity.GenericPrefix)
	require.NoError(t, err)
	return account{Keypair: kp, addr: ledger.Address(addr)}
}

type apiEnv struct {
	t       *testing.T
	clock   *fakeClock
	credits *ledger.CreditBook // payouts
	wallets *ledger.CreditBook // funding accounts
	ledger  *ledger.Ledger
	metrics *Metrics
	api     *API
	router  http.Handler
	owner   account
}

type envOption func(*ledger.Options, *APIConfig)

func newAPIEnv(t *testing.T, opts ...envOption) *apiEnv {
	t.Helper()
	e := &apiEnv{
		t:       t,
		clock:   &fakeClock{now: 1_700_000_000},
		credits: ledger.NewCreditBook(),
		wallets: ledger.NewCreditBook(),
		owner:   newAccount(t),
	}
	reg := prometheus.NewRegistry()
	e.metrics = NewMetrics(reg)

	lopts := ledger.Options{
		Owner:    e.owner.addr,
		Payer:     e.credits,
		Collector: e.wallets,
		Observer:  e.metrics,
		Clock:    e.clock,
	}
	acfg := APIConfig{
		Balances: e.wallets,
		Metrics:  e.metrics,
		Gatherer: reg,
		Limiter:  NewRateLimiter(1000, 1000),
		Version:  "1.4.0",
	}
	for _, opt := range opts {
		opt(&lopts, &acfg)
	}

	l, err := ledger.New(lopts)
	require.NoError(t, err)
	e.ledger = l
	acfg.Ledger = l
	e.api = NewAPI(acfg)
	e.router = e.api.Router()
	return e
}

func (e *apiEnv) do(method, path, body string, signer crypto.Signer, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if signer != nil {
		require.NoError(e.t, identity.SignRequest(req, signer, identity.GenericPrefix, []byte(body), time.Now()))
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) deposit(to ledger.Address, amount string) {
	e.t.Helper()
	rec := e.do("POST", "/api/v1/admin/deposits/"+string(to), `{"amount":"`+amount+`"}`, e.owner)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (e *apiEnv) register(a account) {
	e.t.Helper()
	e.deposit(a.addr, oneToken)
	rec := e.do("POST", "/api/v1/nodes", `{"bond":"`+oneToken+`","descriptor":"10.0.0.1"}`, a)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *apiEnv) fund(amount string) {
	e.t.Helper()
	e.deposit(e.owner.addr, amount)
	rec := e.do("POST", "/api/v1/admin/pool", `{"amount":"`+amount+`"}`, e.owner)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestRegisterAndLookup(t *testing.T) {
	e := newAPIEnv(t)
	alice := newAccount(t)

	e.deposit(alice.addr, poolSize)
	rec := e.do("GET", "/api/v1/balances/"+string(alice.addr), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"address":"`+string(alice.addr)+`","balance":"`+poolSize+`"}`, rec.Body.String())

	rec = e.do("POST", "/api/v1/nodes", `{"bond":"`+oneToken+`","descriptor":"10.0.0.1"}`, alice)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "99000000000000000000", e.wallets.Balance(alice.addr).Dec())

	var node ledger.NodeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, alice.addr, node.Address)
	assert.Equal(t, oneToken, node.StakedAmount)
	assert.Equal(t, 100, node.Reputation)
	assert.True(t, node.IsActive)
	assert.Equal(t, "10.0.0.1", node.IPAddress)

	rec = e.do("GET", "/api/v1/nodes/"+string(alice.addr), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do("GET", "/api/v1/nodes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Nodes []string `json:"nodes"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, []string{string(alice.addr)}, list.Nodes)

	rec = e.do("GET", "/api/v1/active", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(alice.addr))
}

func TestRejections(t *testing.T) {
	e := newAPIEnv(t)
	alice := newAccount(t)
	e.register(alice)
	stranger := newAccount(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		signer crypto.Signer
		status int
		reason string
	}{
		{"duplicate registration", "POST", "/api/v1/nodes", `{"bond":"` + oneToken + `","descriptor":"x"}`, alice, http.StatusConflict, "already-registered"},
		{"bond too small", "POST", "/api/v1/nodes", `{"bond":"1","descriptor":"x"}`, stranger, http.StatusBadRequest, "insufficient-bond"},
		{"empty descriptor", "POST", "/api/v1/nodes", `{"bond":"` + oneToken + `"}`, stranger, http.StatusBadRequest, "empty-descriptor"},
		{"malformed amount", "POST", "/api/v1/nodes/stake", `{"amount":"lots"}`, alice, http.StatusBadRequest, "invalid-amount"},
		{"zero stake", "POST", "/api/v1/nodes/stake", `{"amount":"0"}`, alice, http.StatusBadRequest, "zero-amount"},
		{"unfunded registration", "POST", "/api/v1/nodes", `{"bond":"` + oneToken + `","descriptor":"x"}`, stranger, http.StatusBadRequest, "insufficient-funds"},
		{"unfunded stake", "POST", "/api/v1/nodes/stake", `{"amount":"5"}`, alice, http.StatusBadRequest, "insufficient-funds"},
		{"non-owner deposits", "POST", "/api/v1/admin/deposits/" + string(alice.addr), `{"amount":"5"}`, alice, http.StatusForbidden, "not-owner"},
		{"zero deposit", "POST", "/api/v1/admin/deposits/" + string(alice.addr), `{"amount":"0"}`, e.owner, http.StatusBadRequest, "zero-amount"},
		{"unfunded pool", "POST", "/api/v1/admin/pool", `{"amount":"5"}`, e.owner, http.StatusBadRequest, "insufficient-funds"},
		{"stake unregistered", "POST", "/api/v1/nodes/stake", `{"amount":"5"}`, stranger, http.StatusNotFound, "not-registered"},
		{"unknown node", "GET", "/api/v1/nodes/" + string(stranger.addr), "", nil, http.StatusNotFound, "not-registered"},
		{"non-owner funds pool", "POST", "/api/v1/admin/pool", `{"amount":"5"}`, alice, http.StatusForbidden, "not-owner"},
		{"non-owner reads pool", "GET", "/api/v1/admin/pool", "", alice, http.StatusForbidden, "not-owner"},
		{"non-owner withdraws", "POST", "/api/v1/admin/withdraw", "", alice, http.StatusForbidden, "not-owner"},
		{"reward too soon", "POST", "/api/v1/admin/rewards/" + string(alice.addr), "", e.owner, http.StatusBadRequest, "too-soon-for-reward"},
		{"unknown field", "POST", "/api/v1/nodes/stake", `{"amount":"5","extra":1}`, alice, http.StatusBadRequest, "bad-request"},
		{"unsigned", "POST", "/api/v1/nodes/stake", `{"amount":"5"}`, nil, http.StatusUnauthorized, "missing signature headers"},
		{"unknown route", "GET", "/api/v2/nodes", "", nil, http.StatusNotFound, "not-found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(tt.method, tt.path, tt.body, tt.signer)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.reason, errorOf(t, rec))
		})
	}

	// none of the rejections moved value
	assert.Equal(t, []ledger.Address{alice.addr}, e.ledger.Nodes(context.Background()))
	assert.True(t, e.wallets.Balance(stranger.addr).IsZero())
	assert.Equal(t, oneToken, e.ledger.Stats(context.Background()).TotalStaked.Dec())
}

func TestSignatureChecks(t *testing.T) {
	e := newAPIEnv(t)
	alice := newAccount(t)

	t.Run("stale timestamp", func(t *testing.T) {
		rec := e.do("POST", "/api/v1/nodes", `{}`, alice, func(r *http.Request) {
			r.Header.Set(identity.HeaderTimestamp, "1")
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, identity.ErrStaleTimestamp.Error(), errorOf(t, rec))
	})

	t.Run("signature from another key", func(t *testing.T) {
		mallory := newAccount(t)
		rec := e.do("POST", "/api/v1/nodes", `{}`, mallory, func(r *http.Request) {
			r.Header.Set(identity.HeaderCaller, string(alice.addr))
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, identity.ErrBadSignature.Error(), errorOf(t, rec))
	})

	t.Run("body changed after signing", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/nodes", strings.NewReader(`{"bond":"1"}`))
		require.NoError(t, identity.SignRequest(req, alice, identity.GenericPrefix, []byte(`{"bond":"2"}`), time.Now()))
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("replayed request", func(t *testing.T) {
		e.deposit(alice.addr, oneToken)
		body := `{"bond":"` + oneToken + `","descriptor":"10.0.0.1"}`
		first := httptest.NewRequest("POST", "/api/v1/nodes", strings.NewReader(body))
		require.NoError(t, identity.SignRequest(first, alice, identity.GenericPrefix, []byte(body), time.Now()))
		replay := httptest.NewRequest("POST", "/api/v1/nodes", strings.NewReader(body))
		replay.Header = first.Header.Clone()

		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, first)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = httptest.NewRecorder()
		e.router.ServeHTTP(rec, replay)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, identity.ErrReplayed.Error(), errorOf(t, rec))
	})

	t.Run("oversized body", func(t *testing.T) {
		body := `{"descriptor":"` + strings.Repeat("a", DefaultMaxBodyBytes) + `"}`
		rec := e.do("POST", "/api/v1/nodes", body, alice)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "payload-too-large", errorOf(t, rec))
	})
}

func TestRewardFlow(t *testing.T) {
	e := newAPIEnv(t)
	alice := newAccount(t)
	e.register(alice)
	e.fund(poolSize)

	rec := e.do("GET", "/api/v1/nodes/"+string(alice.addr)+"/reward", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var preview struct {
		Reward     string `json:"reward"`
		Elapsed    int64  `json:"elapsed"`
		EligibleAt int64  `json:"eligible_at"`
		Due        bool   `json:"due"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.Equal(t, "0", preview.Reward)
	assert.False(t, preview.Due)
	assert.Equal(t, e.clock.now+ledger.RewardPeriod, preview.EligibleAt)

	e.clock.now += ledger.RewardPeriod

	rec = e.do("GET", "/api/v1/nodes/"+string(alice.addr)+"/reward", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.Equal(t, "10000000000000000", preview.Reward)
	assert.True(t, preview.Due)

	rec = e.do("POST", "/api/v1/admin/rewards/"+string(alice.addr), "", e.owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var node ledger.NodeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, e.clock.now, node.LastRewardTime)
	assert.Equal(t, "10000000000000000", e.credits.Balance(alice.addr).Dec())

	rec = e.do("GET", "/api/v1/admin/pool", "", e.owner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reward_pool":"99990000000000000000"}`, rec.Body.String())

	rec = e.do("POST", "/api/v1/admin/reputation/"+string(alice.addr), `{"delta":-60,"reliable":false}`, e.owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, 40, node.Reputation)
	assert.False(t, node.IsActive)

	rec = e.do("DELETE", "/api/v1/nodes", "", alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1010000000000000000", e.credits.Balance(alice.addr).Dec())

	rec = e.do("GET", "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_nodes":0,"active_nodes":0,"total_staked":"0","reward_pool":"99990000000000000000"}`, rec.Body.String())

	rec = e.do("POST", "/api/v1/admin/withdraw", "", e.owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "99990000000000000000", e.credits.Balance(e.owner.addr).Dec())
}

func TestPayoutFailureMapsToBadGateway(t *testing.T) {
	failing := payerFunc(func(context.Context, ledger.Payout) error { return errors.New("bank offline") })
	e := newAPIEnv(t, func(o *ledger.Options, _ *APIConfig) { o.Payer = failing })
	alice := newAccount(t)
	e.register(alice)
	e.fund(poolSize)
	e.clock.now += ledger.RewardPeriod

	rec := e.do("POST", "/api/v1/admin/rewards/"+string(alice.addr), "", e.owner)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "payout-failed", errorOf(t, rec))

	stats := e.ledger.Stats(context.Background())
	assert.Equal(t, poolSize, stats.RewardPool.Dec())
}

type payerFunc func(context.Context, ledger.Payout) error

func (f payerFunc) Pay(ctx context.Context, p ledger.Payout) error { return f(ctx, p) }

func TestRequestMiddleware(t *testing.T) {
	t.Run("request id generated", func(t *testing.T) {
		e := newAPIEnv(t)
		rec := e.do("GET", "/api/v1/health", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
		assert.Contains(t, rec.Body.String(), string(e.owner.addr))
	})

	t.Run("request id echoed", func(t *testing.T) {
		e := newAPIEnv(t)
		rec := e.do("GET", "/api/v1/nodes/nobody", "", nil, func(r *http.Request) {
			r.Header.Set(HeaderRequestID, "req-42")
		})
		assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "req-42", body["request_id"])
	})

	t.Run("api version", func(t *testing.T) {
		constraint, err := version.NewConstraint(">= 1.0, < 2.0")
		require.NoError(t, err)
		e := newAPIEnv(t, func(_ *ledger.Options, c *APIConfig) { c.Constraint = constraint })

		rec := e.do("GET", "/api/v1/stats", "", nil, func(r *http.Request) { r.Header.Set(HeaderAPIVersion, "1.2") })
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1.4.0", rec.Header().Get(HeaderAPIVersion))

		rec = e.do("GET", "/api/v1/stats", "", nil, func(r *http.Request) { r.Header.Set(HeaderAPIVersion, "2.1") })
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unsupported-api-version", errorOf(t, rec))

		rec = e.do("GET", "/api/v1/stats", "", nil, func(r *http.Request) { r.Header.Set(HeaderAPIVersion, "banana") })
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rate limit", func(t *testing.T) {
		e := newAPIEnv(t, func(_ *ledger.Options, c *APIConfig) { c.Limiter = NewRateLimiter(0.001, 1) })

		rec := e.do("GET", "/api/v1/stats", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = e.do("GET", "/api/v1/stats", "", nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "rate-limited", errorOf(t, rec))

		// A different client has its own bucket
		rec = e.do("GET", "/api/v1/stats", "", nil, func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.9") })
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	alice := newAccount(t)
	e.register(alice)
	rec := e.do("POST", "/api/v1/nodes", `{"bond":"`+oneToken+`","descriptor":"x"}`, alice)
	require.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Operations.WithLabelValues("register", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Operations.WithLabelValues("register", "already-registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.RegisteredNodes))
	assert.Equal(t, 1e18, testutil.ToFloat64(e.metrics.TotalStaked))

	rec = e.do("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `meshledger_operations_total{op="register",result="ok"} 1`)
	assert.Contains(t, body, `meshledger_request_latency_seconds_count{method="POST",route="/api/v1/nodes",status="201"} 1`)
}

type fakeEventLog struct {
	after uint64
	limit int
	evs   []ledger.Event
	err   error
}

func (f *fakeEventLog) Events(_ context.Context, after uint64, limit int) ([]ledger.Event, error) {
	f.after, f.limit = after, limit
	return f.evs, f.err
}

func TestEventsEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		e := newAPIEnv(t)
		rec := e.do("GET", "/api/v1/events", "", nil)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("paged", func(t *testing.T) {
		log := &fakeEventLog{evs: []ledger.Event{{Seq: 3, Type: ledger.EventPoolFunded, Amount: "5"}}}
		e := newAPIEnv(t, func(_ *ledger.Options, c *APIConfig) { c.Events = log })

		rec := e.do("GET", "/api/v1/events?after=2&limit=5000", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uint64(2), log.after)
		assert.Equal(t, maxEventPage, log.limit)

		var body struct {
			Events []ledger.Event `json:"events"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Events, 1)
		assert.Equal(t, uint64(3), body.Events[0].Seq)

		rec = e.do("GET", "/api/v1/events?limit=-1", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		log := &fakeEventLog{err: errors.New(`pq: relation "ledger_events" does not exist at 10.1.2.3:5432`)}
		e := newAPIEnv(t, func(_ *ledger.Options, c *APIConfig) { c.Events = log })

		rec := e.do("GET", "/api/v1/events", "", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal-error", errorOf(t, rec))
		assert.NotContains(t, rec.Body.String(), "ledger_events")
		assert.NotContains(t, rec.Body.String(), "10.1.2.3")
	})
}

func TestBalancesDisabled(t *testing.T) {
	e := newAPIEnv(t, func(_ *ledger.Options, c *APIConfig) { c.Balances = nil })
	rec := e.do("GET", "/api/v1/balances/alice", "", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
