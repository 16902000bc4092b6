package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"meshledger/internal/config"
	"meshledger/internal/database"
	"meshledger/internal/events"
	"meshledger/internal/identity"
	"meshledger/internal/ledger"
	"meshledger/internal/replication"

	"github.com/hashicorp/go-version"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

type Node struct {
	mu sync.Mutex

	// Core components
	config     *config.Config
	ledger     *ledger.Ledger
	credits    *ledger.CreditBook
	db         database.Database
	pubsub     *events.PubSub
	replicator *replication.Replicator
	wsManager  *WSManager
	api        *API

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// Prometheus metrics
	metrics *Metrics

	startTime time.Time
	started   bool
	stopRetry context.CancelFunc
	retryDone chan struct{}
	log       *log.Entry
}

// NewNode assembles the ledger and its collaborators from cfg. Optional
// components (PostgreSQL, NATS, raft) are only created when configured.
func NewNode(ctx context.Context, cfg *config.Config) (*Node, error) {
	n := &Node{
		config:  cfg,
		credits: ledger.NewCreditBook(),
		metrics: NewMetrics(prometheus.DefaultRegisterer),
		log:     log.WithField("component", "node"),
	}
	n.wsManager = NewWSManager(n.metrics, cfg.AllowedOrigins)

	if err := n.build(ctx); err != nil {
		n.release()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context) error {
	cfg := n.config
	notifiers := ledger.Notifiers{n.wsManager}
	var dispatcher ledger.Payer

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.ToDBConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		n.db = db
		if err := database.InitSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		store = database.NewLedgerStore(db)
	}

	if cfg.NATS.URL != "" {
		ps, err := events.Connect(cfg.ToEventsConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		n.pubsub = ps
		notifiers = append(notifiers, ps)
		if cfg.NATS.Payouts {
			dispatcher = ps.Payer()
		}
	}

	minBond, err := ledger.ParseAmount(cfg.MinimumBond)
	if err != nil {
		return fmt.Errorf("invalid minimum bond: %w", err)
	}

	owner := ledger.Address(cfg.Owner)
	policy := ledger.NewRolePolicy(owner)
	for _, op := range cfg.Operators {
		policy.Grant(ledger.Address(op))
	}

	n.ledger, err = ledger.New(ledger.Options{
		Owner:       owner,
		MinimumBond: minBond,
		Authorizer:  policy,
		Payer:       n.credits,
		Collector:   n.credits,
		Dispatcher:  dispatcher,
		Notifier:    notifiers,
		Observer:    n.metrics,
		Store:       store,
		Logger:      log.WithField("component", "ledger"),
	})
	if err != nil {
		return err
	}
	if store != nil {
		if err := n.ledger.Load(ctx); err != nil {
			return fmt.Errorf("failed to load ledger state: %w", err)
		}
	}
	n.metrics.SetStats(n.ledger.Stats(ctx))

	var exec Executor = n.ledger
	if cfg.Raft.Enabled {
		rep, err := replication.NewRaft(cfg.ToRaftConfig(), replication.NewFSM(n.ledger, n.credits))
		if err != nil {
			return fmt.Errorf("failed to start raft: %w", err)
		}
		n.replicator = rep
		exec = rep
	}

	constraint, err := version.NewConstraint(cfg.APIVersion)
	if err != nil {
		return fmt.Errorf("invalid API version constraint: %w", err)
	}

	verifier := identity.NewVerifier(cfg.SignatureTolerance)
	verifier.Prefix = int(cfg.SS58Prefix)

	apiCfg := APIConfig{
		Ledger:     n.ledger,
		Executor:   exec,
		Balances:   n.credits,
		Verifier:   verifier,
		Limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		Metrics:    n.metrics,
		Gatherer:   prometheus.DefaultGatherer,
		Stream:     n.wsManager,
		Version:    cfg.Version,
		Constraint: constraint,
	}
	if s, ok := store.(*database.LedgerStore); ok {
		apiCfg.Events = s
	}
	n.api = NewAPI(apiCfg)

	n.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           n.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.grpcServer, n.health = newGRPCServer()
	return nil
}

// Ledger returns the node's ledger
func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

// Credits returns the in-process balances: funding accounts and, unless
// payouts go to NATS, payout credits
func (n *Node) Credits() *ledger.CreditBook {
	return n.credits
}

// Handler returns the HTTP handler serving the API
func (n *Node) Handler() http.Handler {
	return n.httpServer.Handler
}

// Start binds the HTTP and gRPC listeners and serves until Stop
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	httpLn, err := net.Listen("tcp", n.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.httpServer.Addr, err)
	}
	grpcAddr := net.JoinHostPort(n.config.Host, strconv.Itoa(int(n.config.GRPCPort)))
	grpcLn, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	go func() {
		if err := n.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.WithError(err).Error("HTTP server error")
		}
	}()
	go func() {
		if err := n.grpcServer.Serve(grpcLn); err != nil {
			n.log.WithError(err).Error("gRPC server error")
		}
	}()

	if n.config.NATS.Payouts {
		ctx, cancel := context.WithCancel(context.Background())
		n.stopRetry = cancel
		n.retryDone = make(chan struct{})
		go n.retryPayouts(ctx, n.config.NATS.PayoutRetry)
	}

	setServing(n.health, true)
	n.started = true
	n.startTime = time.Now()
	n.log.WithFields(log.Fields{
		"http":  httpLn.Addr().String(),
		"grpc":  grpcLn.Addr().String(),
		"owner": n.ledger.Owner(),
		"raft":  n.replicator != nil,
	}).Info("Node started")
	return nil
}

// Stop shuts the servers down and releases every connection
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.started {
		if n.stopRetry != nil {
			n.stopRetry()
			<-n.retryDone
			n.stopRetry = nil
		}
		n.health.Shutdown()
		if err := n.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
		}
		n.grpcServer.GracefulStop()
		n.started = false
		n.log.WithField("uptime", time.Since(n.startTime).Round(time.Second)).Info("Node stopped")
	}
	if err := n.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// retryPayouts drains the payout outbox at start and then every interval
func (n *Node) retryPayouts(ctx context.Context, interval time.Duration) {
	defer close(n.retryDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sent, err := n.ledger.DispatchPending(ctx)
		if err != nil {
			n.log.WithError(err).Warn("Pending payouts not yet delivered")
		} else if sent > 0 {
			n.log.WithField("sent", sent).Info("Delivered pending payouts")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// release closes the optional backends in reverse dependency order
func (n *Node) release() error {
	var errs []error
	if err := n.wsManager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop WebSocket manager: %w", err))
	}
	if n.replicator != nil {
		if err := n.replicator.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop raft: %w", err))
		}
		n.replicator = nil
	}
	if n.pubsub != nil {
		if err := n.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close NATS: %w", err))
		}
		n.pubsub = nil
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		n.db = nil
	}
	if n.metrics != nil {
		n.metrics.Close()
		n.metrics = nil
	}
	return errors.Join(errs...)
}
