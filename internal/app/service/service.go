// Package service implements the Public API Surface of spec §4.9: the
// operations the HTTP Edge calls, wired over the Account Registry, Alias
// Engine, per-backend Admission Queue / Connection Manager / IDLE Listener
// / Message Pipeline, and the Cache Layer. It is the Service value spec §9
// asks for — a single struct built once at startup and passed explicitly
// to handlers, rather than module-scope mutable state — generalizing the
// teacher's Daemon (internal/app/daemon/daemon.go), which plays the
// equivalent "one struct owns the whole runtime" role for the Telegram
// remailer.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/inboxhub/aggregator/internal/app/account"
	"github.com/inboxhub/aggregator/internal/app/alias"
	"github.com/inboxhub/aggregator/internal/app/cache"
	"github.com/inboxhub/aggregator/internal/app/config"
	"github.com/inboxhub/aggregator/internal/app/idle"
	"github.com/inboxhub/aggregator/internal/app/imapconn"
	"github.com/inboxhub/aggregator/internal/app/message"
	"github.com/inboxhub/aggregator/internal/app/pipeline"
	"github.com/inboxhub/aggregator/internal/app/queue"
	"github.com/inboxhub/aggregator/internal/pkg/logger"
)

// Viewer is the per-request identity the HTTP layer injects into every
// call (spec §6's "viewer = {anonymous | authenticated}").
type Viewer struct {
	Authenticated bool
}

var (
	Anonymous     = Viewer{Authenticated: false}
	Authenticated = Viewer{Authenticated: true}
)

const maxAggregatedResults = 30

const aggregationBatchSize = 3

var aggregationBatchDelay = 200 * time.Millisecond

type backendEntry struct {
	account  account.Account
	queue    *queue.AdmissionQueue
	readConn *imapconn.Manager
	idleConn *imapconn.Manager
	pipeline *pipeline.Pipeline
	idle     *idle.Listener
}

// Service is the process-singleton runtime described in spec §9, built
// once at startup and torn down by Shutdown.
type Service struct {
	cfg      config.RuntimeConfig
	registry *account.Registry
	caches   *cache.Caches
	logger   *slog.Logger

	domains         []string
	catchAllBackend string

	backends map[string]*backendEntry

	runCancel context.CancelFunc
	idleWG    sync.WaitGroup

	subMu       sync.Mutex
	subscribers map[int]func()
	nextSubID   int

	shutdownOnce sync.Once
}

// New builds a Service from configuration and a dialer (swappable in
// tests). It does not start IDLE listeners; call Run for that.
func New(cfg config.RuntimeConfig, registry *account.Registry, dialer imapconn.Dialer, logger *slog.Logger) *Service {
	s := &Service{
		cfg:             cfg,
		registry:        registry,
		caches:          cache.NewCaches(cache.Tuning(cfg.CacheView), cache.Tuning(cfg.CacheGlobal), cache.Tuning(cfg.CachePayload)),
		logger:          logger,
		domains:         normalizeDomains(cfg.Domains),
		catchAllBackend: strings.ToLower(strings.TrimSpace(cfg.CatchAllBackend)),
		backends:        make(map[string]*backendEntry),
		subscribers:     make(map[int]func()),
	}

	for _, acc := range registry.ListAccounts() {
		s.backends[normalizeAddr(acc.Address)] = s.buildBackend(acc, dialer)
	}

	return s
}

func (s *Service) buildBackend(acc account.Account, dialer imapconn.Dialer) *backendEntry {
	credentials, _ := s.registry.CredentialsFor(acc.Address)

	settings := s.cfg.QueueDomain
	switch acc.Provider {
	case config.ProviderGmail:
		settings = s.cfg.QueueGmail
	case config.ProviderOutlook:
		settings = s.cfg.QueueOutlook
	}

	q := queue.New(acc.Address, queue.Settings{MaxConcurrent: settings.MaxConcurrent, MaxPerSecond: settings.MaxPerSecond}, s.logger)
	readConn := imapconn.New(acc.Address, acc.IMAPHost, acc.IMAPPort, credentials, dialer, s.logger)
	idleConn := imapconn.New(acc.Address, acc.IMAPHost, acc.IMAPPort, credentials, dialer, s.logger)
	pl := pipeline.New(acc.Address, acc.Provider, q, readConn, s.caches, s.cfg.MaxAttachmentSize, s.logger)
	listener := idle.New(acc.Address, idleConn, s.cfg.IDLEDebounceMin, s.cfg.IDLEDebounceMax, s.cfg.IDLECycle, s.logger)

	backend := acc.Address
	listener.OnActivity(func() { s.caches.MarkBackendDirty(backend) })
	listener.Subscribe(func(idle.Event) { s.onBackendChanged(backend) })

	return &backendEntry{account: acc, queue: q, readConn: readConn, idleConn: idleConn, pipeline: pl, idle: listener}
}

// Run starts every backend's IDLE Listener on its own goroutine and returns
// immediately. The listeners stop when ctx is canceled or Shutdown is called.
func (s *Service) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	for _, be := range s.backends {
		be := be
		s.idleWG.Add(1)
		go func() {
			defer s.idleWG.Done()
			_ = be.idle.Run(runCtx)
		}()
	}
}

func (s *Service) onBackendChanged(backend string) {
	s.caches.MarkBackendDirty(backend)

	s.subMu.Lock()
	subs := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// OnChange registers cb to be invoked after every IDLE debounce fires and
// returns an unsubscribe function (spec §4.9). Safe to call from within cb.
func (s *Service) OnChange(cb func()) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// FetchForAddress returns the current Messages visible to viewer for addr.
// Never errors: a view-cache hit is returned as is; on a miss it fetches,
// and when that fetch fails it returns an empty list and stores that empty
// list in the view cache like any other result. An expired view is not
// served as a fallback.
func (s *Service) FetchForAddress(ctx context.Context, addr string, viewer Viewer) []message.Message {
	addr = normalizeAddr(addr)

	key := cache.ViewKey{Address: addr, Authenticated: viewer.Authenticated}
	if cached, ok := s.caches.View.Get(key); ok {
		return cached
	}

	messages := s.fetchFresh(ctx, addr, viewer)
	s.caches.View.Set(key, messages)
	return messages
}

func (s *Service) fetchFresh(ctx context.Context, addr string, viewer Viewer) []message.Message {
	// No address at all means "list the catch-all mailbox itself" (spec
	// §6's GET /emails with address omitted) — it must never fall through
	// to provider routing/aggregation, which would hand back other
	// people's provider-account mail.
	if addr == "" || s.isCatchAllDomain(addr) {
		return s.fetchCatchAll(ctx, addr)
	}
	return s.fetchProviderRouted(ctx, addr, viewer)
}

func (s *Service) fetchCatchAll(ctx context.Context, addr string) []message.Message {
	be, ok := s.backends[s.catchAllBackend]
	if !ok {
		return nil
	}

	ctx = logger.WithAddress(logger.WithBackend(ctx, be.account.Address), addr)
	msgs, err := be.pipeline.Fetch(ctx, addr, true, s.cfg.Profile.FetchWindow())
	if err != nil {
		s.logger.WarnContext(ctx, "service: catch-all fetch failed", slog.Any("error", err))
		return nil
	}
	return msgs
}

func (s *Service) fetchProviderRouted(ctx context.Context, addr string, viewer Viewer) []message.Message {
	backendAccounts := s.providerBackends()
	if len(backendAccounts) == 0 {
		return nil
	}

	// A specific known address or alias: route it to exactly one backend.
	if routed, isAlias, err := alias.Route(s.registry, addr); err == nil {
		be, ok := s.backends[normalizeAddr(routed.Address)]
		if !ok {
			return nil
		}
		if !viewer.Authenticated && !isAlias {
			return nil // spec §4.9 visibility rule
		}

		fetchCtx := logger.WithAddress(logger.WithBackend(ctx, be.account.Address), addr)
		msgs, err := be.pipeline.Fetch(fetchCtx, addr, true, s.cfg.Profile.FetchWindow())
		if err != nil {
			s.logger.WarnContext(fetchCtx, "service: fetch failed", slog.Any("error", err))
			return nil
		}
		return s.filterVisibility(msgs, viewer)
	}

	// Not routable to one backend: aggregate across all of them (spec
	// §4.8 aggregation mode), still filtering each backend's results down
	// to this target address per step 8.
	return s.fetchAggregated(ctx, addr, viewer)
}

func (s *Service) fetchAggregated(ctx context.Context, target string, viewer Viewer) []message.Message {
	backends := s.providerBackends()
	windowSize := s.cfg.Profile.FetchWindow()

	var all []message.Message
	var mu sync.Mutex

	runOne := func(be *backendEntry) {
		backendCtx := logger.WithAddress(logger.WithBackend(ctx, be.account.Address), target)
		// Aggregation mode: target was never resolved to this (or any)
		// backend, so the IMAP SEARCH itself must not be narrowed — every
		// backend is searched with SEARCH ALL and filtered locally.
		msgs, err := be.pipeline.Fetch(backendCtx, target, false, windowSize)
		if err != nil {
			s.logger.WarnContext(backendCtx, "service: aggregated fetch failed", slog.Any("error", err))
			return
		}
		mu.Lock()
		all = append(all, msgs...)
		mu.Unlock()
	}

	if len(backends) <= aggregationBatchSize {
		var wg sync.WaitGroup
		for _, be := range backends {
			be := be
			wg.Add(1)
			go func() { defer wg.Done(); runOne(be) }()
		}
		wg.Wait()
	} else {
		for i := 0; i < len(backends); i += aggregationBatchSize {
			batch := backends[i:min(i+aggregationBatchSize, len(backends))]
			var wg sync.WaitGroup
			for _, be := range batch {
				be := be
				wg.Add(1)
				go func() { defer wg.Done(); runOne(be) }()
			}
			wg.Wait()
			if i+aggregationBatchSize < len(backends) {
				time.Sleep(aggregationBatchDelay)
			}
		}
	}

	all = s.filterVisibility(all, viewer)

	sort.SliceStable(all, func(i, j int) bool { return all[i].Date.After(all[j].Date) })
	if len(all) > maxAggregatedResults {
		all = all[:maxAggregatedResults]
	}
	return all
}

func (s *Service) filterVisibility(msgs []message.Message, viewer Viewer) []message.Message {
	if viewer.Authenticated {
		return msgs
	}

	filtered := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsAlias {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// RefreshAddress invalidates all caches then re-fetches for addr (spec
// §4.9).
func (s *Service) RefreshAddress(ctx context.Context, addr string, viewer Viewer) []message.Message {
	s.caches.InvalidateAll()
	return s.FetchForAddress(ctx, addr, viewer)
}

// DeleteMessage marks the message \Deleted and expunges it on an ephemeral
// session, then evicts it from the caches (spec §4.9). Returns false if the
// message or backend is unknown — never errors.
func (s *Service) DeleteMessage(ctx context.Context, id, backend string) bool {
	be, ok := s.backends[normalizeAddr(backend)]
	if !ok {
		return false
	}

	cached, ok := s.caches.Global.Get(id)
	if !ok {
		return false
	}

	deleteCtx := logger.WithAddress(logger.WithBackend(ctx, be.account.Address), id)
	err := be.queue.Enqueue(deleteCtx, func(workCtx context.Context) error {
		deleteCtx, cancel := context.WithTimeout(workCtx, imapconn.FetchTimeout)
		defer cancel()

		client, err := be.readConn.EphemeralSession(deleteCtx)
		if err != nil {
			return fmt.Errorf("ephemeral session: %w", err)
		}
		defer func() { _ = client.Logout().Wait() }()

		uidSet := imap.UIDSetNum(imap.UID(cached.UID))
		if _, err := client.Store(uidSet, &imap.StoreFlags{
			Op:    imap.StoreFlagsAdd,
			Flags: []imap.Flag{imap.FlagDeleted},
		}, nil).Collect(); err != nil {
			return fmt.Errorf("store \\Deleted: %w", err)
		}

		if err := client.Expunge().Close(); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.WarnContext(deleteCtx, "service: delete failed", slog.Any("error", err))
		return false
	}

	s.caches.EvictMessage(id)
	s.caches.MarkBackendDirty(backend)
	return true
}

// AttachmentResult is the response shape for GetAttachment.
type AttachmentResult struct {
	Filename    string
	ContentType string
	Content     []byte
}

// GetAttachment returns attachment bytes for a message, from the payload
// cache if present, else re-fetched via the pipeline (spec §4.9).
func (s *Service) GetAttachment(ctx context.Context, id, filename, backend string) (AttachmentResult, bool) {
	if payload, ok := s.caches.Payload.Get(id); ok {
		if att, ok := payload.Find(filename); ok {
			return AttachmentResult{Filename: att.Filename, ContentType: att.ContentType, Content: att.Content}, true
		}
	}

	be, ok := s.backends[normalizeAddr(backend)]
	if !ok {
		return AttachmentResult{}, false
	}

	if _, err := be.pipeline.Fetch(ctx, "", false, s.cfg.Profile.FetchWindow()); err != nil {
		return AttachmentResult{}, false
	}

	payload, ok := s.caches.Payload.Get(id)
	if !ok {
		return AttachmentResult{}, false
	}
	att, ok := payload.Find(filename)
	if !ok {
		return AttachmentResult{}, false
	}
	return AttachmentResult{Filename: att.Filename, ContentType: att.ContentType, Content: att.Content}, true
}

// GenerateAlias produces a new Alias for base (spec §4.9).
func (s *Service) GenerateAlias(provider config.Provider, base, suffix string, useDot bool) (alias.Alias, error) {
	return alias.Generate(s.registry, provider, base, suffix, useDot)
}

// AccountDescriptor is the viewer-aware public shape of an Account for
// listAccountsForViewer.
type AccountDescriptor struct {
	Address      string
	Provider     config.Provider
	DirectInbox  bool
}

// ListAccountsForViewer returns public account descriptors: authenticated
// viewers can see the "direct inbox" capability; anonymous viewers cannot
// (spec §4.9).
func (s *Service) ListAccountsForViewer(viewer Viewer) []AccountDescriptor {
	accounts := s.registry.ListAccounts()
	out := make([]AccountDescriptor, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, AccountDescriptor{
			Address:     acc.Address,
			Provider:    acc.Provider,
			DirectInbox: viewer.Authenticated,
		})
	}
	return out
}

// Stats is the observability snapshot for GET /stats (spec §6, §4.9).
type Stats struct {
	Backends  map[string]queue.Stats
	ViewSize  int
	GlobalSize int
	PayloadSize int
}

// Stats reports queue depth, active count, consecutive failures,
// cooldownUntil per backend, plus cache sizes.
func (s *Service) Stats() Stats {
	backends := make(map[string]queue.Stats, len(s.backends))
	for addr, be := range s.backends {
		backends[addr] = be.queue.Stats()
	}

	return Stats{
		Backends:    backends,
		ViewSize:    s.caches.View.Len(),
		GlobalSize:  s.caches.Global.Len(),
		PayloadSize: s.caches.Payload.Len(),
	}
}

// SetRateLimited propagates an HTTP-facing 429 into every backend's
// Admission Queue cooldown (spec §4.6, §6, §8's "Rate Limiter & Back-
// pressure Bridge").
func (s *Service) SetRateLimited(seconds float64) {
	for _, be := range s.backends {
		be.queue.SetRateLimited(seconds)
	}
}

// Shutdown drains every Admission Queue, stops IDLE listeners, closes
// sessions, and clears subscribers. Idempotent (spec §4.9).
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.runCancel != nil {
			s.runCancel()
		}
		s.idleWG.Wait()

		for _, be := range s.backends {
			be.queue.Shutdown()
			be.readConn.Close()
			be.idleConn.Close()
		}

		s.subMu.Lock()
		s.subscribers = make(map[int]func())
		s.subMu.Unlock()
	})
}

func (s *Service) providerBackends() []*backendEntry {
	out := make([]*backendEntry, 0, len(s.backends))
	for addr, be := range s.backends {
		if addr == s.catchAllBackend {
			continue
		}
		out = append(out, be)
	}
	return out
}

func (s *Service) isCatchAllDomain(addr string) bool {
	if s.catchAllBackend == "" {
		return false
	}
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return false
	}
	for _, d := range s.domains {
		if domain == d {
			return true
		}
	}
	return false
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		out = append(out, strings.ToLower(strings.TrimSpace(d)))
	}
	return out
}

