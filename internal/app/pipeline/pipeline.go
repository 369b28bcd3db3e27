// Package pipeline implements the per-backend Message Pipeline of spec
// §4.8: admission-queued, deadline-bounded IMAP search+fetch, RFC 5322
// parsing via the message package, recipient filtering, and request
// coalescing. It is grounded on the teacher's retriever.GetMail — dial,
// select, search-or-all, fetch, parse-per-part — restructured around a
// persistent Connection Manager session and an Admission Queue slot
// instead of a one-shot dial-and-close per poll.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxhub/aggregator/internal/app/cache"
	"github.com/inboxhub/aggregator/internal/app/config"
	"github.com/inboxhub/aggregator/internal/app/imapconn"
	"github.com/inboxhub/aggregator/internal/app/message"
	"github.com/inboxhub/aggregator/internal/app/queue"
	"github.com/inboxhub/aggregator/internal/pkg/units"
)

// Pipeline runs fetches for exactly one backend, coalescing concurrent
// identical requests (spec §4.8 "request coalescing").
type Pipeline struct {
	backend           string
	provider          config.Provider
	queue             *queue.AdmissionQueue
	conn              *imapconn.Manager
	caches            *cache.Caches
	maxAttachmentSize int64
	logger            *slog.Logger

	mu       sync.Mutex
	inFlight map[fetchKey]*inflightFetch
}

// fetchKey identifies one in-flight fetch. knownRoute is part of the key,
// not just an argument, because it changes the SEARCH criteria issued
// (spec §4.8 step 4): two concurrent callers for the same target but
// different routing knowledge must not be coalesced onto each other's
// query.
type fetchKey struct {
	target     string
	knownRoute bool
}

type inflightFetch struct {
	done   chan struct{}
	result []message.Message
	err    error
}

// New builds a Pipeline for one backend.
func New(backend string, provider config.Provider, q *queue.AdmissionQueue, conn *imapconn.Manager, caches *cache.Caches, maxAttachmentSize int64, logger *slog.Logger) *Pipeline {
	logger.Info("pipeline: backend ready",
		slog.String("backend", backend),
		slog.String("provider", string(provider)),
		slog.String("max_attachment_size", units.HumanSize(float64(maxAttachmentSize))))

	return &Pipeline{
		backend:           backend,
		provider:          provider,
		queue:             q,
		conn:              conn,
		caches:            caches,
		maxAttachmentSize: maxAttachmentSize,
		logger:            logger,
		inFlight:          make(map[fetchKey]*inflightFetch),
	}
}

// Fetch runs steps 1-9 of spec §4.8 against this backend: admission-queued
// SELECT+SEARCH+FETCH, RFC 5322 parse, recipient-filter drop, and a
// date-descending sort of the resulting window. target, if non-empty, is
// the normalized recipient address to search and filter by; an empty
// target means "all messages" (callers issue target="" for a catch-all
// listing with no address and for attachment re-fetches; a catch-all
// address is passed as target and filtered like any other). knownRoute reports whether target is known to
// route to this one backend: only then is it safe to narrow the IMAP
// search itself to `SEARCH TO target` — when a caller can't resolve target
// to a single backend (aggregation mode) every backend must still be
// searched with `SEARCH ALL` and rely on the client-side filter below,
// since a server-side TO search would silently miss any backend where
// target isn't actually addressed that way.
//
// Concurrent calls for the same (target, knownRoute) pair are coalesced
// onto one IMAP fetch.
func (p *Pipeline) Fetch(ctx context.Context, target string, knownRoute bool, windowSize int) ([]message.Message, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	key := fetchKey{target: target, knownRoute: knownRoute}

	p.mu.Lock()
	if existing, ok := p.inFlight[key]; ok {
		p.mu.Unlock()
		<-existing.done
		return existing.result, existing.err
	}

	f := &inflightFetch{done: make(chan struct{})}
	p.inFlight[key] = f
	p.mu.Unlock()

	result, err := p.fetchOnce(ctx, target, knownRoute, windowSize)

	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()

	f.result, f.err = result, err
	close(f.done)

	return result, err
}

func (p *Pipeline) fetchOnce(ctx context.Context, target string, knownRoute bool, windowSize int) ([]message.Message, error) {
	var messages []message.Message

	err := p.queue.Enqueue(ctx, func(workCtx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(workCtx, imapconn.FetchTimeout)
		defer cancel()

		client, err := p.conn.Session(fetchCtx)
		if err != nil {
			return fmt.Errorf("acquire session for backend %q: %w", p.backend, err)
		}

		msgs, err := p.runFetch(fetchCtx, client, target, knownRoute, windowSize)
		if err != nil {
			p.conn.Invalidate()
			return err
		}

		p.caches.TouchBackend(p.backend)
		messages = msgs
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Spec §4.4: a deadline never propagates as an error; the
			// fetch resolves to an empty result instead.
			return nil, nil
		}
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Date.After(messages[j].Date)
	})

	return messages, nil
}

// searchCriteria builds the IMAP SEARCH criteria for one fetch per spec
// §4.8 step 4: narrow to `TO target` only when target is known to route to
// this one backend; otherwise search everything and leave filtering to the
// caller's step-8 client-side check, since a server-side TO search would
// silently miss a backend where target isn't actually addressed that way.
func searchCriteria(target string, knownRoute bool) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if target != "" && knownRoute {
		criteria.Header = []imap.SearchCriteriaHeaderField{{Key: "To", Value: target}}
	}
	return criteria
}

func (p *Pipeline) runFetch(ctx context.Context, client *imapclient.Client, target string, knownRoute bool, windowSize int) ([]message.Message, error) {
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select inbox: %w", err)
	}

	criteria := searchCriteria(target, knownRoute)

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("search: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if windowSize > 0 && len(uids) > windowSize {
		uids = uids[len(uids)-windowSize:]
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})
	defer func() { _ = fetchCmd.Close() }()

	var results []message.Message
	for {
		if ctx.Err() != nil {
			break
		}

		raw := fetchCmd.Next()
		if raw == nil {
			break
		}

		msg, payload, err := p.parseFetchItem(raw)
		if err != nil {
			p.logger.Warn("pipeline: dropping unparsable message",
				slog.String("backend", p.backend), slog.Any("error", err))
			continue
		}

		// Step 8: defensive drop, since IMAP TO-search is substring-based
		// on some servers.
		if target != "" && msg.To != target {
			continue
		}
		msg.IsAlias = target != "" && target != p.backend

		p.caches.Global.Set(msg.ID, msg)
		p.caches.Payload.Set(msg.ID, payload)
		results = append(results, msg)
	}

	return results, nil
}

func (p *Pipeline) parseFetchItem(msg *imapclient.FetchMessageData) (message.Message, message.Payload, error) {
	var uid imap.UID
	var literal io.Reader

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch it := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = it.UID
		case imapclient.FetchItemDataBodySection:
			if it.Literal != nil {
				literal = it.Literal
			}
		}
	}

	if literal == nil {
		return message.Message{}, message.Payload{}, errors.New("fetch response carried no body section")
	}

	return message.Parse(message.RawFetch{UID: uint32(uid), Literal: literal}, p.backend, p.provider, p.maxAttachmentSize)
}
