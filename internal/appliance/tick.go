package appliance

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/osiriscare/fleetguard/internal/crypto"
	"github.com/osiriscare/fleetguard/internal/domain"
	"github.com/osiriscare/fleetguard/internal/drift"
	"github.com/osiriscare/fleetguard/internal/evidence"
	"github.com/osiriscare/fleetguard/internal/healing"
	"github.com/osiriscare/fleetguard/internal/l2planner"
	"github.com/osiriscare/fleetguard/internal/orders"
	"github.com/osiriscare/fleetguard/internal/queue"
)

// Appliance is the agent-loop runtime: one tick wires together every
// spec §4.5 step using the packages built in C1-C4.
type Appliance struct {
	config Config

	signingKey ed25519.PrivateKey
	state      *State

	checkin  *CheckinClient
	uploader *evidence.Uploader
	builder  *evidence.Builder

	drift *drift.Registry
	l1    *healing.Engine
	l2    *l2planner.Planner

	verifier *crypto.OrderVerifier
	queues   *queue.Manager

	actionExecutor healing.ActionExecutor

	credMu sync.RWMutex
	creds  map[string]CredentialTargetWire

	incidents     *incidentReporter
	incidentMu    sync.Mutex
	openIncidents map[string]bool

	manageClient *ManagementClient
	orderProc    *orders.Processor

	appVersion string
	startedAt  time.Time
}

// New constructs an Appliance from config, loading or creating the signing
// key and restoring persisted state.
func New(cfg Config, tlsConfig *tls.Config, executor healing.ActionExecutor) (*Appliance, error) {
	key, _, err := crypto.LoadOrCreateSigningKey(cfg.SigningKeyPath())
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	st, err := LoadState(cfg.StateFilePath())
	if err != nil {
		return nil, fmt.Errorf("load appliance state: %w", err)
	}

	head, _ := st.ChainHead()
	chainState := evidence.ChainState{PrevHash: domain.GenesisHash, UpdatedAt: time.Now()}
	if head != "" {
		chainState.PrevHash = head
	}

	qm, err := queue.NewManager(cfg.QueueDir(), queue.Options{})
	if err != nil {
		return nil, fmt.Errorf("open queue manager: %w", err)
	}

	l1 := healing.NewEngine(cfg.RulesDir(), executor)
	l1.LoadRules()

	var l2 *l2planner.Planner
	if cfg.L2Enabled {
		l2cfg := l2planner.DefaultPlannerConfig()
		l2cfg.APIKey = cfg.L2APIKey
		l2cfg.APIModel = cfg.L2APIModel
		if cfg.L2APIEndpoint != "" {
			l2cfg.APIEndpoint = cfg.L2APIEndpoint
		}
		l2cfg.Budget.DailyBudgetUSD = cfg.L2DailyBudgetUSD
		l2cfg.AllowedActions = cfg.L2AllowedActions
		l2cfg.SiteID = cfg.SiteID
		l2 = l2planner.NewPlanner(l2cfg)
	}

	manageClient := NewManagementClient(cfg.APIEndpoint, cfg.APIKey)
	orderProc := orders.NewProcessor(cfg.StateDir, func(ctx context.Context, orderID string, success bool, result map[string]interface{}, errMsg string) error {
		return manageClient.Complete(ctx, orderID, success, result, errMsg)
	})
	orderProc.RegisterHandler("healing", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		if executor == nil {
			return nil, fmt.Errorf("no action executor configured")
		}
		platform, _ := params["platform"].(string)
		if platform == "" {
			platform = "windows"
		}
		hostname, _ := params["hostname"].(string)
		return executor(fmt.Sprintf("run_%s_runbook", platform), params, cfg.SiteID, hostname)
	})

	a := &Appliance{
		config:         cfg,
		signingKey:     key,
		state:          st,
		checkin:        NewCheckinClient(cfg.APIEndpoint, cfg.APIKey, tlsConfig),
		uploader:       evidence.NewUploader(cfg.APIEndpoint, tlsConfig),
		builder:        evidence.NewBuilder(cfg.SiteID, cfg.ApplianceID, "standard", nil, key, chainState),
		drift:          drift.NewRegistry(cfg.EnabledCheckTypes),
		l1:             l1,
		l2:             l2,
		verifier:       crypto.NewOrderVerifier(""),
		queues:         qm,
		actionExecutor: executor,
		creds:          map[string]CredentialTargetWire{},
		incidents:      newIncidentReporter(cfg.APIEndpoint, cfg.APIKey, cfg.SiteID),
		openIncidents:  map[string]bool{},
		manageClient:   manageClient,
		orderProc:      orderProc,
		appVersion:     "fleetguard-appliance/1.0",
		startedAt:      time.Now(),
	}
	orderProc.SetApplianceID(cfg.ApplianceID)
	return a, nil
}

// Close releases the appliance's held resources (queue DBs, L2 HTTP client).
func (a *Appliance) Close() {
	if a.l2 != nil {
		a.l2.Close()
	}
	if a.queues != nil {
		a.queues.Close()
	}
}

// Run drives Tick on a ticker until ctx is canceled or SIGTERM/SIGINT is
// received, then performs a cooperative shutdown bounded by
// ShutdownBudgetSeconds: finish the in-flight tick, flush the queue, exit.
func (a *Appliance) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(time.Duration(a.config.TickIntervalSeconds) * time.Second)
	defer ticker.Stop()

	if err := a.Tick(ctx); err != nil {
		log.Printf("[appliance] initial tick error: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-sigCh:
			log.Printf("[appliance] received shutdown signal")
			return a.shutdown()
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil {
				log.Printf("[appliance] tick error: %v", err)
			}
		}
	}
}

func (a *Appliance) shutdown() error {
	budget := time.Duration(a.config.ShutdownBudgetSeconds) * time.Second
	if budget <= 0 {
		budget = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	a.state.Save()
	if a.queues != nil {
		if err := a.queues.Close(); err != nil {
			log.Printf("[appliance] error closing queues during shutdown: %v", err)
		}
	}
	_ = ctx
	return nil
}

// Tick runs one full agent-loop cycle: the nine numbered steps of spec §4.5.
func (a *Appliance) Tick(ctx context.Context) error {
	// Step 1: clock sanity gates destructive actions but never blocks
	// observation; a skewed clock only disables heal/order-execution this tick.
	skewOK := a.checkClockSkew(ctx)

	// Step 2: mTLS check-in.
	resp, err := a.doCheckin(ctx)
	if err != nil {
		log.Printf("[appliance] checkin failed: %v — continuing tick offline", err)
	}
	if resp != nil && resp.ServerPublicKey != "" && !a.verifier.HasKey() {
		if err := a.verifier.SetPublicKey(resp.ServerPublicKey); err != nil {
			log.Printf("[appliance] failed to set server public key: %v", err)
		} else if a.orderProc != nil {
			a.orderProc.SetServerPublicKey(resp.ServerPublicKey)
		}
	}

	// Step 3: credential pull, held in memory only for this tick's runbooks.
	if resp != nil {
		a.setCredentials(resp.CredentialTargets)
	}
	defer a.clearCredentials()

	// Step 4: rules update, version-diffed.
	if resp != nil && resp.RulesSnapshot != nil {
		a.applyRulesSnapshot(resp.RulesSnapshot)
	}

	// Step 5: order verification — signature, TTL, dedup against the
	// executed-order set.
	var ordersToRun []OrderWire
	if resp != nil {
		ordersToRun = a.verifyOrders(resp.Orders, skewOK)
	}
	for _, ord := range ordersToRun {
		a.executeOrder(ord)
	}
	a.pollManagementOrders(ctx)

	// Step 6: drift scan.
	findings := a.runDriftScan(ctx)

	// Step 7: heal, critical-first.
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Finding.Severity.Rank() < findings[j].Finding.Severity.Rank()
	})

	var bundles []*domain.EvidenceBundle
	if skewOK {
		for _, res := range findings {
			bundles = append(bundles, a.healFinding(res))
		}
	} else {
		log.Printf("[appliance] clock skew exceeds threshold — findings recorded, no healing this tick")
		for _, res := range findings {
			bundles = append(bundles, a.recordOnly(res, "clock skew exceeds threshold, healing suspended"))
		}
	}

	// Step 8: emit an evidence bundle for every action including "none".
	if len(findings) == 0 {
		bundles = append(bundles, a.recordNoFindings())
	}

	// Step 9: flush queue tail and ack on HTTP success.
	a.enqueueAndFlush(ctx, bundles)

	a.state.Save()
	return nil
}

// checkClockSkew reuses the time_sync drift check itself: a finding means
// the clock has drifted past the threshold and destructive actions must be
// suspended this tick; an error (no chrony sources reachable) fails open so
// a clean environment without chronyc doesn't wedge the whole loop.
func (a *Appliance) checkClockSkew(ctx context.Context) bool {
	check := &drift.TimeSyncCheck{MaxSkewMS: a.config.NTPMaxSkewMS}
	result := check.Run(ctx, drift.Scope{Host: a.config.ApplianceID})
	return result.Outcome != drift.OutcomeFinding
}

func (a *Appliance) doCheckin(ctx context.Context) (*CheckinResponse, error) {
	head, _ := a.state.ChainHead()
	req := CheckinRequest{
		SiteID:        a.config.SiteID,
		ApplianceID:   a.config.ApplianceID,
		AgentVersion:  a.appVersion,
		UptimeSeconds: int(time.Since(a.startedAt).Seconds()),
		RulesetHash:   fmt.Sprintf("v%d", a.state.RulesetVersion()),
		ChainHeadHash: head,
	}
	return a.checkin.Checkin(ctx, req)
}

func (a *Appliance) setCredentials(targets []CredentialTargetWire) {
	a.credMu.Lock()
	defer a.credMu.Unlock()
	a.creds = make(map[string]CredentialTargetWire, len(targets))
	for _, t := range targets {
		a.creds[t.Host] = t
	}
}

func (a *Appliance) clearCredentials() {
	a.credMu.Lock()
	defer a.credMu.Unlock()
	a.creds = map[string]CredentialTargetWire{}
}

// CredentialFor resolves a host's credential target for the current tick —
// the only way any healing dispatcher may obtain LAN host credentials. It
// returns false once the tick that fetched it has ended (clearCredentials
// runs via defer at the end of every Tick).
func (a *Appliance) CredentialFor(host string) (domain.CredentialTarget, bool) {
	a.credMu.RLock()
	defer a.credMu.RUnlock()
	w, ok := a.creds[host]
	if !ok {
		return domain.CredentialTarget{}, false
	}
	return domain.CredentialTarget{
		SiteID:   a.config.SiteID,
		Host:     w.Host,
		AuthKind: w.AuthKind,
		Username: w.Username,
		Secret:   w.Secret,
		UseSSL:   w.UseSSL,
	}, true
}

func (a *Appliance) applyRulesSnapshot(snap *RulesSnapshot) {
	if snap.Version <= a.state.RulesetVersion() {
		return
	}
	if a.verifier.HasKey() && snap.Signature != "" {
		if err := a.verifier.VerifyRulesBundle(string(snap.RulesJSON), snap.Signature); err != nil {
			log.Printf("[appliance] rejecting rules snapshot v%d: %v", snap.Version, err)
			return
		}
	}
	if err := os.WriteFile(fmt.Sprintf("%s/synced.json", a.config.RulesDir()), snap.RulesJSON, 0600); err != nil {
		log.Printf("[appliance] failed to write synced rules: %v", err)
		return
	}
	a.l1.ReloadRules()
	a.state.SetRulesetVersion(snap.Version)
}

// verifyOrders checks signature, TTL and replay-dedup for every order in a
// check-in response, returning only the orders eligible to run this tick.
func (a *Appliance) verifyOrders(orders []OrderWire, skewOK bool) []OrderWire {
	if !skewOK {
		return nil
	}
	var eligible []OrderWire
	now := time.Now()
	for _, o := range orders {
		if a.state.HasExecuted(o.OrderID) {
			continue
		}
		dom := domain.Order{
			OrderID: o.OrderID, SiteID: o.SiteID, ApplianceID: o.ApplianceID,
			RunbookID: o.RunbookID, Args: o.Args, IssuedAt: o.IssuedAt, TTLSeconds: o.TTLSeconds,
		}
		if dom.Expired(now) {
			log.Printf("[appliance] order %s expired, skipping", o.OrderID)
			continue
		}
		if a.verifier.HasKey() {
			payload, err := crypto.BuildSignedPayload(map[string]interface{}{
				"order_id": o.OrderID, "site_id": o.SiteID, "appliance_id": o.ApplianceID,
				"runbook_id": o.RunbookID, "args": o.Args, "issued_at": o.IssuedAt, "ttl_seconds": o.TTLSeconds,
			})
			if err == nil {
				if err := a.verifier.VerifyOrder(payload, o.IssuerSig); err != nil {
					log.Printf("[appliance] order %s failed signature verification: %v", o.OrderID, err)
					continue
				}
			}
		}
		eligible = append(eligible, o)
	}
	return eligible
}

func (a *Appliance) executeOrder(o OrderWire) {
	if a.actionExecutor == nil {
		return
	}
	_, err := a.actionExecutor(o.RunbookID, o.Args, o.SiteID, "")
	if err != nil {
		log.Printf("[appliance] order %s execution failed: %v", o.OrderID, err)
	}
	a.state.MarkExecuted(o.OrderID)
}

func (a *Appliance) runDriftScan(ctx context.Context) []drift.Result {
	var hosts []string
	a.credMu.RLock()
	for h := range a.creds {
		hosts = append(hosts, h)
	}
	a.credMu.RUnlock()
	if len(hosts) == 0 {
		hosts = []string{a.config.ApplianceID}
	}

	var all []drift.Result
	for _, h := range hosts {
		results := a.drift.RunAll(ctx, drift.Scope{Host: h})
		for _, r := range results {
			if r.Outcome == drift.OutcomeFinding {
				all = append(all, r)
			}
		}
	}
	return all
}

func (a *Appliance) healFinding(res drift.Result) *domain.EvidenceBundle {
	incidentID := uuid.NewString()
	outcome := a.heal(incidentID, res.Finding.Scope, res.Finding.CheckType, string(res.Finding.Severity),
		map[string]interface{}{
			"check_type":     res.Finding.CheckType,
			"drift_detected": true,
			"host_id":        res.Finding.Scope,
			"pre_state":      res.Finding.PreState,
			"hipaa_control":  res.Finding.HIPAAControl,
		})

	bundle, err := a.builder.Build(evidence.BuildBundleInput{
		CheckType:   res.Finding.CheckType,
		PreState:    res.Finding.PreState,
		PostState:   outcome.PostState,
		ActionTaken: domain.ActionTaken(outcome.ActionTaken),
		Reason:      outcome.Reason,
		RulesetHash: fmt.Sprintf("v%d", a.state.RulesetVersion()),
	})
	if err != nil {
		log.Printf("[appliance] failed to build evidence bundle: %v", err)
		return nil
	}
	a.state.SetChainHead(bundle.BundleHash, a.state.NextSeq())
	a.trackIncident(res.Finding.CheckType, res.Finding.Scope, domain.ActionTaken(outcome.ActionTaken), outcome.Success)
	return bundle
}

func (a *Appliance) recordOnly(res drift.Result, reason string) *domain.EvidenceBundle {
	bundle, err := a.builder.Build(evidence.BuildBundleInput{
		CheckType:   res.Finding.CheckType,
		PreState:    res.Finding.PreState,
		ActionTaken: domain.ActionDeferred,
		Reason:      reason,
		RulesetHash: fmt.Sprintf("v%d", a.state.RulesetVersion()),
	})
	if err != nil {
		log.Printf("[appliance] failed to build deferred evidence bundle: %v", err)
		return nil
	}
	a.state.SetChainHead(bundle.BundleHash, a.state.NextSeq())
	a.trackIncident(res.Finding.CheckType, res.Finding.Scope, domain.ActionDeferred, false)
	return bundle
}

func (a *Appliance) recordNoFindings() *domain.EvidenceBundle {
	bundle, err := a.builder.Build(evidence.BuildBundleInput{
		CheckType:   "tick",
		ActionTaken: domain.ActionNone,
		Reason:      "no drift findings this tick",
		RulesetHash: fmt.Sprintf("v%d", a.state.RulesetVersion()),
	})
	if err != nil {
		log.Printf("[appliance] failed to build no-op evidence bundle: %v", err)
		return nil
	}
	a.state.SetChainHead(bundle.BundleHash, a.state.NextSeq())
	return bundle
}

func (a *Appliance) enqueueAndFlush(ctx context.Context, bundles []*domain.EvidenceBundle) {
	q := a.queues.Queue(queue.DestEvidence)
	for _, b := range bundles {
		if b == nil {
			continue
		}
		payload, err := marshalBundle(b)
		if err != nil {
			log.Printf("[appliance] failed to marshal bundle %s: %v", b.BundleID, err)
			continue
		}
		if _, err := q.Enqueue(payload); err != nil {
			log.Printf("[appliance] failed to enqueue bundle %s: %v", b.BundleID, err)
		}
	}

	items, err := q.ReadyHead(time.Now(), 50)
	if err != nil {
		log.Printf("[appliance] failed to read queue head: %v", err)
		return
	}
	for _, item := range items {
		bundle, err := unmarshalBundle(item.Payload)
		if err != nil {
			log.Printf("[appliance] failed to unmarshal queued bundle: %v", err)
			continue
		}
		if _, err := a.uploader.Upload(ctx, bundle); err != nil {
			if err := q.RecordFailure(item.Seq); err != nil {
				log.Printf("[appliance] failed to record queue failure: %v", err)
			}
			continue
		}
		if err := q.Ack(item.Seq); err != nil {
			log.Printf("[appliance] failed to ack queue item %d: %v", item.Seq, err)
		}
	}
}
