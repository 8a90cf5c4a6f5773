package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"perp_gateway/internal/core"
	"perp_gateway/pkg/concurrency"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/retry"
	"perp_gateway/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Pass states reported by Status
const (
	StatusNeverRun  = "never_run"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ReconcilerConfig tunes the Reconciler
type ReconcilerConfig struct {
	// Symbols are always checked for position drift, even when flat on both sides
	Symbols         []string
	Interval        time.Duration
	RequestTimeout  time.Duration
	FollowUpWorkers int
}

// PassStatus describes the last reconciliation pass
type PassStatus struct {
	ID          string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	Findings    []core.Finding
	Error       string
}

// Reconciler pulls authoritative account state and compares it with local order and
// position tracking. Remote state always wins.
type Reconciler struct {
	account   core.IAccountGateway
	tracker   core.IOrderTracker
	positions *PositionBook
	pool      *concurrency.WorkerPool
	cfg       ReconcilerConfig
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	tracer    trace.Tracer

	passMu   sync.Mutex
	reported map[string]string // finding key -> remote state it was reported for

	stateMu       sync.RWMutex
	cached        core.AccountInfo
	last          PassStatus
	balanceWarned map[string]string // asset -> breakdown last warned about

	now func() time.Time
}

// NewReconciler creates a Reconciler. Follow-up fetches run on their own worker pool.
func NewReconciler(account core.IAccountGateway, tracker core.IOrderTracker, positions *PositionBook, cfg ReconcilerConfig, logger core.ILogger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.FollowUpWorkers <= 0 {
		cfg.FollowUpWorkers = 4
	}
	if positions == nil {
		positions = NewPositionBook()
	}

	return &Reconciler{
		account:   account,
		tracker:   tracker,
		positions: positions,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "reconcile_follow_up",
			MaxWorkers:  cfg.FollowUpWorkers,
			MaxCapacity: 256,
			NonBlocking: true,
		}, logger),
		cfg:      cfg,
		logger:   logger.WithField("component", "reconciler"),
		metrics:  telemetry.GetGlobalMetrics(),
		tracer:   telemetry.GetTracer("reconciler"),
		reported: make(map[string]string),
		last:     PassStatus{Status: StatusNeverRun},

		balanceWarned: make(map[string]string),
		now:      time.Now,
	}
}

// checkBalances warns once per inconsistent breakdown; a changed or repaired breakdown re-arms it
func (r *Reconciler) checkBalances(balances []core.Balance) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	seen := make(map[string]bool, len(balances))
	for _, b := range balances {
		seen[b.Asset] = true
		if b.Consistent() {
			delete(r.balanceWarned, b.Asset)
			continue
		}
		state := b.WalletBalance.String() + "|" + b.AvailableBalance.String() + "|" + b.UsedBalance.String()
		if r.balanceWarned[b.Asset] == state {
			continue
		}
		r.balanceWarned[b.Asset] = state
		r.logger.Warn("Balance breakdown does not add up",
			"asset", b.Asset,
			"wallet", b.WalletBalance,
			"available", b.AvailableBalance,
			"used", b.UsedBalance)
	}
	for asset := range r.balanceWarned {
		if !seen[asset] {
			delete(r.balanceWarned, asset)
		}
	}
}

// Positions returns the position book the reconciler corrects
func (r *Reconciler) Positions() *PositionBook {
	return r.positions
}

// FetchAccount pulls balances, positions and open orders and replaces the cached account
// wholesale. FetchedAt is taken before the requests go out.
func (r *Reconciler) FetchAccount(ctx context.Context) (core.AccountInfo, error) {
	ctx, span := r.tracer.Start(ctx, "FetchAccount")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	info := core.AccountInfo{FetchedAt: r.now()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		balances, err := r.account.GetBalances(gctx)
		if err != nil {
			return fmt.Errorf("failed to get balances: %w", err)
		}
		info.Balances = balances
		return nil
	})
	g.Go(func() error {
		positions, err := r.account.GetPositions(gctx, "")
		if err != nil {
			return fmt.Errorf("failed to get positions: %w", err)
		}
		info.Positions = positions
		return nil
	})
	g.Go(func() error {
		orders, err := r.account.GetOpenOrders(gctx, "")
		if err != nil {
			return fmt.Errorf("failed to get open orders: %w", err)
		}
		info.OpenOrders = orders
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
		}
		return core.AccountInfo{}, err
	}

	info.TotalWalletBalance = decimal.Zero
	for _, b := range info.Balances {
		info.TotalWalletBalance = info.TotalWalletBalance.Add(b.WalletBalance)
	}
	r.checkBalances(info.Balances)
	info.TotalUnrealizedPnl = decimal.Zero
	for _, p := range info.Positions {
		if p.UnrealizedPnl != nil {
			info.TotalUnrealizedPnl = info.TotalUnrealizedPnl.Add(*p.UnrealizedPnl)
		}
	}

	r.stateMu.Lock()
	r.cached = info
	r.stateMu.Unlock()

	r.logger.Debug("Account fetched",
		"balances", len(info.Balances),
		"positions", len(info.Positions),
		"open_orders", len(info.OpenOrders),
		"wallet", info.TotalWalletBalance)
	return info, nil
}

// Account returns the last fetched account state
func (r *Reconciler) Account() core.AccountInfo {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.cached
}

// Reconcile compares local open orders and positions with remote.
//
// A locally open order missing from the remote open list is an OrphanSuspect and gets one
// follow-up terminal-status fetch. A position whose exposure differs is a
// ReconciliationMismatch and the remote position is adopted. Findings already reported for
// the same remote state are not reported or acted on again.
func (r *Reconciler) Reconcile(ctx context.Context, local []core.Order, remote core.AccountInfo) []core.Finding {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var findings []core.Finding
	active := make(map[string]struct{})

	remoteOpen := make(map[string]core.Order, len(remote.OpenOrders))
	remoteByClient := make(map[string]core.Order, len(remote.OpenOrders))
	for _, o := range remote.OpenOrders {
		remoteOpen[o.OrderID] = o
		if o.ClientOrderID != "" {
			remoteByClient[o.ClientOrderID] = o
		}
	}

	for _, o := range local {
		if o.Status.IsTerminal() {
			continue
		}
		// submitted after the pull; the remote list cannot know about it yet
		if !remote.FetchedAt.IsZero() && o.CreatedAt.After(remote.FetchedAt) {
			continue
		}
		if _, ok := remoteOpen[o.OrderID]; ok {
			continue
		}
		if _, ok := remoteByClient[o.ClientOrderID]; ok && o.ClientOrderID != "" {
			continue
		}

		key := "order:" + o.OrderID
		active[key] = struct{}{}
		if r.reported[key] == "absent" {
			continue
		}
		r.reported[key] = "absent"

		f := core.Finding{
			Kind:    core.FindingOrphanSuspect,
			Symbol:  o.Symbol,
			OrderID: o.OrderID,
			Local:   string(o.Status),
			Remote:  "absent",
			Detail:  "open locally but not in the exchange open-order list",
		}
		findings = append(findings, f)
		r.report(ctx, f)
		r.followUp(ctx, o, key)
	}

	// adoption makes the next pass agree, so mismatches need no suppression
	for _, sym := range r.positionSymbols(remote) {
		localPos := r.positions.Get(sym)
		remotePos := remote.Position(sym)

		if !r.positions.Known(sym) {
			if !remotePos.SameExposure(localPos) {
				r.logger.Info("Position seeded from exchange", "symbol", sym, "side", remotePos.Side, "size", remotePos.Size)
			}
			r.positions.Adopt(remotePos)
			continue
		}
		if localPos.SameExposure(remotePos) {
			continue
		}

		f := core.Finding{
			Kind:   core.FindingReconciliationMismatch,
			Symbol: sym,
			Local:  fmt.Sprintf("%s %s", localPos.Side, localPos.Size),
			Remote: fmt.Sprintf("%s %s", remotePos.Side, remotePos.Size),
			Detail: "local position adopted remote value",
		}
		findings = append(findings, f)
		r.report(ctx, f)
		r.positions.Adopt(remotePos)
	}

	for key := range r.reported {
		if _, ok := active[key]; !ok {
			delete(r.reported, key)
		}
	}
	return findings
}

func (r *Reconciler) positionSymbols(remote core.AccountInfo) []string {
	set := make(map[string]struct{})
	for _, s := range r.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, s := range r.positions.Symbols() {
		set[s] = struct{}{}
	}
	for _, p := range remote.Positions {
		set[p.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) report(ctx context.Context, f core.Finding) {
	r.metrics.ReconcileFindings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(f.Kind)),
		attribute.String("symbol", f.Symbol),
	))
	r.logger.Warn("Reconciliation finding",
		"kind", f.Kind,
		"symbol", f.Symbol,
		"order_id", f.OrderID,
		"local", f.Local,
		"remote", f.Remote,
		"detail", f.Detail)
}

var followUpPolicy = retry.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

func isTransient(err error) bool {
	return errors.Is(err, apperrors.ErrConnection) ||
		errors.Is(err, apperrors.ErrTimeout) ||
		errors.Is(err, apperrors.ErrSystemOverload) ||
		errors.Is(err, apperrors.ErrRateLimitExceeded)
}

// followUp fetches the terminal status of an orphan and feeds it back to the tracker.
// A failed fetch clears the report so the next pass tries again. Caller holds passMu.
func (r *Reconciler) followUp(ctx context.Context, o core.Order, key string) {
	ctx = context.WithoutCancel(ctx)
	err := r.pool.Submit(func() {
		var remote core.Order
		err := retry.Do(ctx, followUpPolicy, isTransient, func() error {
			fctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
			defer cancel()
			var err error
			remote, err = r.account.GetOrder(fctx, o.Symbol, o.OrderID, o.ClientOrderID)
			return err
		})
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				r.logger.Warn("Orphan order unknown to the exchange", "order_id", o.OrderID)
				return
			}
			r.logger.Error("Orphan follow-up failed", "order_id", o.OrderID, "error", err)
			r.forget(key)
			return
		}

		cum := remote.FilledQuantity
		ev := core.OrderEvent{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Status:        remote.Status,
			CumFilledQty:  &cum,
			AvgPrice:      remote.AverageFillPrice,
			RejectReason:  remote.RejectReason,
			Timestamp:     remote.UpdatedAt,
			Source:        core.EventSourceReconcile,
		}
		if err := r.tracker.ApplyUpdate(ev); err != nil {
			r.logger.Warn("Orphan follow-up not applied", "order_id", o.OrderID, "error", err)
			return
		}
		r.logger.Info("Orphan order resolved", "order_id", o.OrderID, "status", remote.Status)
	})
	if err != nil {
		r.logger.Warn("Follow-up not scheduled", "order_id", o.OrderID, "error", err)
		// caller holds passMu
		delete(r.reported, key)
	}
}

func (r *Reconciler) forget(key string) {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	delete(r.reported, key)
}

// resolvePending settles submissions whose outcome was unknown by looking them up
// by client order id
func (r *Reconciler) resolvePending(ctx context.Context, fetchedAt time.Time) {
	for _, p := range r.tracker.Pending() {
		if p.CreatedAt.After(fetchedAt) {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		remote, err := r.account.GetOrder(lctx, p.Symbol, "", p.ClientOrderID)
		cancel()

		switch {
		case err == nil:
			err = r.tracker.ResolvePending(p.ClientOrderID, remote, true)
		case errors.Is(err, apperrors.ErrOrderNotFound):
			err = r.tracker.ResolvePending(p.ClientOrderID, core.Order{}, false)
		default:
			r.logger.Warn("Pending order lookup failed", "client_order_id", p.ClientOrderID, "error", err)
			continue
		}
		if err != nil {
			r.logger.Warn("Pending order not resolved", "client_order_id", p.ClientOrderID, "error", err)
		}
	}
}

// ReconcileNow runs one full pass: resolve pending submissions, pull the account, then
// reconcile open orders and positions
func (r *Reconciler) ReconcileNow(ctx context.Context) ([]core.Finding, error) {
	ctx, span := r.tracer.Start(ctx, "Reconcile")
	defer span.End()

	started := r.now()
	id := fmt.Sprintf("rec_%d", started.UnixNano())
	r.setStatus(PassStatus{ID: id, Status: StatusRunning, StartedAt: started})
	r.logger.Debug("Starting reconciliation pass", "id", id)

	r.resolvePending(ctx, started)

	info, err := r.FetchAccount(ctx)
	if err != nil {
		span.RecordError(err)
		r.setStatus(PassStatus{ID: id, Status: StatusFailed, StartedAt: started, CompletedAt: r.now(), Error: err.Error()})
		return nil, err
	}

	findings := r.Reconcile(ctx, r.tracker.Open(), info)
	r.setStatus(PassStatus{ID: id, Status: StatusCompleted, StartedAt: started, CompletedAt: r.now(), Findings: findings})
	r.logger.Info("Reconciliation pass completed", "id", id, "findings", len(findings))
	return findings, nil
}

func (r *Reconciler) setStatus(s PassStatus) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.last = s
}

// Status returns the result of the last pass
func (r *Reconciler) Status() PassStatus {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	out := r.last
	out.Findings = append([]core.Finding(nil), r.last.Findings...)
	return out
}

// Run reconciles once immediately and then every Interval until ctx is cancelled.
// Failed passes are logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval)
	defer r.pool.Stop()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReconcileNow(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconciliation failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
