// Package engine implements the forwarding state machine: pick an account,
// translate the client request into the upstream Responses-API payload,
// call upstream with a bounded per-account retry, translate the reply back
// into whatever shape the client asked for, and fail over to the next
// account on a quota hit. Account rotation lives here, one layer above
// internal/retryx's single-account retry.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"

	"codexgw/internal/bridge"
	"codexgw/internal/concurrency"
	"codexgw/internal/metrics"
	"codexgw/internal/quota"
	"codexgw/internal/retryx"
	"codexgw/internal/router"
	"codexgw/internal/store"
	"codexgw/internal/trace"
)

// TokenRefresher refreshes an account's OAuth access token. Implemented by
// internal/oauthclient; declared again here (rather than imported from
// internal/health) so the engine doesn't pull in the health package just
// for this one interface.
type TokenRefresher interface {
	Refresh(ctx context.Context, account *store.Account) error
}

// Config tunes the forwarding engine.
type Config struct {
	ChatGPTBaseURL          string
	UpstreamPath            string
	MaxAccountRetryAttempts int
	TokenRefreshMargin      time.Duration
	RetryPolicy             retryx.Config
}

// Engine wires the account pool, router, breakers, quota prober, token
// refresher and protocol bridge into one forwarding call.
type Engine struct {
	cfg         Config
	store       *store.Store
	router      *router.Router
	breakers    *router.Breakers
	prober      *quota.Prober
	refresher   TokenRefresher
	client      *req.Client
	trace       *trace.Log
	concurrency concurrency.Manager
	metrics     *metrics.Metrics
}

// New wires an Engine. concurrencyMgr and m may be nil to disable the
// per-account in-flight gate and counter collection, respectively — every
// *metrics.Metrics method no-ops on a nil receiver.
func New(cfg Config, st *store.Store, rt *router.Router, brk *router.Breakers, prober *quota.Prober, refresher TokenRefresher, client *req.Client, tr *trace.Log, concurrencyMgr concurrency.Manager, m *metrics.Metrics) *Engine {
	return &Engine{cfg: cfg, store: st, router: rt, breakers: brk, prober: prober, refresher: refresher, client: client, trace: tr, concurrency: concurrencyMgr, metrics: m}
}

// Error is a terminal engine failure the INIT/EXHAUSTED states raise —
// handlers render it as {"error": {"message": message}} at Status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// Result is what a successful or hard-failed attempt hands back to the
// HTTP layer for rendering.
type Result struct {
	Status               int
	Stream               bool
	Body                 any            // JSON value to encode when !Stream && !Passthrough
	Lines                []string       // SSE data-line payloads (sans "data: "/"\n\n") when Stream
	Passthrough          bool           // upstream's own non-ok body/status, forwarded as-is
	RawBody              []byte
	ContentType          string
	Usage                map[string]any // accumulated token usage, set for both buffered and streaming replies
	AssistantEmptyOutput bool           // whether the empty-output fallback sentinel had to be applied
}

// Forward runs the INIT -> PREP -> ATTEMPT(k) -> EXHAUSTED state machine
// for one client request. clientSessionID is whatever the caller lifted
// from the request's session_id/session-id/x-session-id/x-session_id
// header or body field, or "" if none were present.
func (e *Engine) Forward(ctx context.Context, route string, shape bridge.ClientShape, clientStream bool, body map[string]any, clientSessionID string) (*Result, error) {
	now := time.Now()

	accounts := e.store.List()
	if len(accounts) == 0 {
		return nil, &Error{Status: http.StatusServiceUnavailable, Message: "no accounts configured"}
	}

	e.prep(ctx, now, accounts)

	maxAttempts := len(accounts)
	if e.cfg.MaxAccountRetryAttempts > 0 && e.cfg.MaxAccountRetryAttempts < maxAttempts {
		maxAttempts = e.cfg.MaxAccountRetryAttempts
	}

	sessionID := deriveSessionID(clientSessionID, body)
	tried := make(map[string]bool, maxAttempts)

	for k := 0; k < maxAttempts; k++ {
		picked := e.pickAccount(now, accounts, tried)
		if picked == nil {
			break
		}
		tried[picked.ID] = true

		result, outcome := e.attempt(ctx, now, route, shape, clientStream, body, sessionID, picked)
		switch outcome {
		case outcomeSuccess, outcomeHardFail:
			return result, nil
		case outcomeContinue:
			continue
		}
	}

	return nil, &Error{Status: http.StatusTooManyRequests, Message: "all accounts exhausted or unavailable"}
}

// pickAccount narrows candidates to untried, breaker-closed accounts and
// hands the slice to Router.Choose, which owns the Enabled/blocked
// eligibility filtering and stickiness.
func (e *Engine) pickAccount(now time.Time, accounts []*store.Account, tried map[string]bool) *store.Account {
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if !tried[a.ID] {
			ids = append(ids, a.ID)
		}
	}
	available := e.breakers.Filter(ids)
	allowed := make(map[string]bool, len(available))
	for _, id := range available {
		allowed[id] = true
	}

	candidates := make([]*store.Account, 0, len(allowed))
	for _, a := range accounts {
		if !tried[a.ID] && allowed[a.ID] {
			candidates = append(candidates, a)
		}
	}

	return e.router.Choose(now, candidates)
}

// prep ensures every account's token is fresh (refreshing it if it's
// within the safety margin) and its usage snapshot isn't stale, then
// persists whatever changed. accounts are clones from Store.List(), so
// Upsert is what actually makes any of this stick.
func (e *Engine) prep(ctx context.Context, now time.Time, accounts []*store.Account) {
	for _, a := range accounts {
		if e.refresher != nil && a.RefreshToken != "" && a.NeedsRefresh(now, e.cfg.TokenRefreshMargin) {
			if err := e.refresher.Refresh(ctx, a); err != nil {
				log.Warn().Str("account_id", a.ID).Err(err).Msg("token refresh failed in prep")
				a.RememberError(now, "token refresh: "+err.Error())
			}
		}
		if e.prober != nil {
			e.prober.RefreshUsage(now, a, false)
		}
		e.store.Upsert(a)
	}
}

type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeContinue                // quota hit or transport error: try the next account
	outcomeHardFail                // upstream's own non-ok response: return to client, no failover
)

// attempt builds the upstream payload for one account, calls upstream
// (with retryx's bounded single-account retry), classifies the outcome,
// always appends a trace entry, and returns what the caller should do
// next.
func (e *Engine) attempt(ctx context.Context, now time.Time, route string, shape bridge.ClientShape, clientStream bool, body map[string]any, sessionID string, a *store.Account) (*Result, attemptOutcome) {
	start := time.Now()
	e.store.Mutate(a.ID, func(acc *store.Account) { acc.MarkSelected(now) })

	payload := bridge.BuildUpstreamPayload(body, sessionID)
	model, _ := payload["model"].(string)

	if e.concurrency != nil {
		if _, err := e.concurrency.Acquire(ctx, a.ID); err != nil {
			entry := trace.Entry{
				Route: route, AccountID: a.ID, Email: a.Email, Model: model,
				Stream: clientStream, Status: 503, Error: "concurrency: " + err.Error(),
				LatencyMs: time.Since(start).Milliseconds(),
			}
			e.trace.Append(now, entry)
			return nil, outcomeContinue
		}
		defer e.concurrency.Release(a.ID)
	}

	var last upstreamCall
	retryx.Execute(ctx, e.cfg.RetryPolicy, a.ID, func(ctx context.Context, attemptN int) retryx.Attempt {
		call := e.doUpstreamRequest(ctx, a, payload, sessionID)
		last = call
		if call.transportErr != nil {
			return retryx.Attempt{Err: call.transportErr}
		}
		return retryx.Attempt{Status: call.status, BodySnippet: snippet(call.body)}
	})

	entry := trace.Entry{
		Route:     route,
		AccountID: a.ID,
		Email:     a.Email,
		Model:     model,
		Stream:    clientStream,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	e.metrics.RecordAccountRequest(a.ID)

	if last.transportErr != nil {
		msg := last.transportErr.Error()
		e.store.Mutate(a.ID, func(acc *store.Account) { acc.RememberError(now, msg) })
		e.breakers.RecordFailure(a.ID)
		e.metrics.RecordAccountError(a.ID)
		e.metrics.RecordAccountSwitch("transport_error")
		e.metrics.SetAccountHealth(a.ID, false)
		entry.Status = 599
		entry.Error = msg
		e.trace.Append(now, entry)
		e.metrics.RecordRequest(route, model, entry.Status, time.Since(start))
		return nil, outcomeContinue
	}

	entry.Status = last.status
	entry.UpstreamContentType = last.contentType
	entry.UpstreamEmptyBody = len(last.body) == 0

	if last.status < 200 || last.status >= 300 {
		if isQuotaHit(last.status, last.body) {
			msg := fmt.Sprintf("quota hit: upstream status %d", last.status)
			e.store.Mutate(a.ID, func(acc *store.Account) {
				if e.prober != nil {
					e.prober.MarkQuotaHit(now, acc, msg)
				} else {
					acc.MarkQuotaHit(now, msg, 30*time.Minute)
				}
			})
			e.metrics.RecordAccountSwitch("quota")
			entry.Error = msg
			e.trace.Append(now, entry)
			e.metrics.RecordRequest(route, model, entry.Status, time.Since(start))
			return nil, outcomeContinue
		}

		msg := fmt.Sprintf("upstream status %d", last.status)
		e.store.Mutate(a.ID, func(acc *store.Account) { acc.RememberError(now, msg) })
		e.breakers.RecordFailure(a.ID)
		e.metrics.RecordAccountError(a.ID)
		e.metrics.SetAccountHealth(a.ID, false)
		entry.UpstreamError = snippet(last.body)
		e.trace.Append(now, entry)
		e.metrics.RecordRequest(route, model, entry.Status, time.Since(start))

		return &Result{
			Status:      last.status,
			Passthrough: true,
			RawBody:     last.body,
			ContentType: firstNonEmpty(last.contentType, "application/json"),
		}, outcomeHardFail
	}

	e.breakers.RecordSuccess(a.ID)
	e.metrics.SetAccountHealth(a.ID, true)

	id := "chatcmpl-" + uuid.New().String()
	result := e.buildSuccessResult(shape, clientStream, last.events, model, id, now.Unix())

	entry.Usage = result.Usage
	entry.AssistantEmptyOutput = result.AssistantEmptyOutput
	if cc, ok := result.Body.(bridge.ChatCompletion); ok && len(cc.Choices) > 0 {
		entry.AssistantFinishReason = cc.Choices[0].FinishReason
	}
	e.trace.Append(now, entry)
	e.metrics.RecordRequest(route, model, entry.Status, time.Since(start))

	return result, outcomeSuccess
}

func (e *Engine) buildSuccessResult(shape bridge.ClientShape, clientStream bool, events []bridge.Event, model, id string, createdAt int64) *Result {
	switch {
	case shape == bridge.ShapeChat && !clientStream:
		cc, patched := bridge.BuildChatCompletionFromEvents(events, model, id, createdAt)
		return &Result{Status: http.StatusOK, Body: cc, Usage: cc.Usage, AssistantEmptyOutput: patched}
	case shape == bridge.ShapeChat && clientStream:
		lines, usage, patched := bridge.TranslateChatStream(events, model, id, createdAt)
		return &Result{Status: http.StatusOK, Stream: true, Lines: lines, Usage: usage, AssistantEmptyOutput: patched}
	case shape == bridge.ShapeResponses && !clientStream:
		obj := bridge.BuildResponseObjectFromEvents(events, model, id)
		var usage map[string]any
		if u, ok := obj["usage"].(map[string]any); ok {
			usage = u
		}
		return &Result{Status: http.StatusOK, Body: obj, Usage: usage}
	default:
		lines, usage := bridge.TranslateResponsesStream(events)
		return &Result{Status: http.StatusOK, Stream: true, Lines: lines, Usage: usage}
	}
}

// upstreamCall is one HTTP round trip to the upstream Responses endpoint.
type upstreamCall struct {
	status       int
	body         []byte
	contentType  string
	events       []bridge.Event
	transportErr error
}

func (e *Engine) doUpstreamRequest(ctx context.Context, a *store.Account, payload map[string]any, sessionID string) upstreamCall {
	url := strings.TrimRight(e.cfg.ChatGPTBaseURL, "/") + e.cfg.UpstreamPath

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return upstreamCall{transportErr: err}
	}

	r := e.client.R().SetContext(ctx).SetBodyBytes(bodyBytes).SetHeader("Content-Type", "application/json")
	setUpstreamHeaders(r, a, sessionID)
	r.DisableAutoReadResponse()

	resp, err := r.Post(url)
	if err != nil {
		return upstreamCall{transportErr: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return upstreamCall{transportErr: err}
	}

	call := upstreamCall{
		status:      resp.StatusCode,
		body:        raw,
		contentType: resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		call.events = decodeEvents(raw)
	}
	return call
}

func decodeEvents(raw []byte) []bridge.Event {
	var dec bridge.FrameDecoder
	frames := dec.Feed(raw)
	frames = append(frames, dec.Flush()...)

	events := make([]bridge.Event, 0, len(frames))
	for _, f := range frames {
		if f.Data == "" || f.Data == "[DONE]" {
			continue
		}
		if ev, ok := bridge.ParseEvent(f.Data); ok {
			events = append(events, ev)
		}
	}
	return events
}

// setUpstreamHeaders builds the fixed codex-parity header set every
// upstream call carries.
func setUpstreamHeaders(r *req.Request, a *store.Account, sessionID string) {
	r.SetHeader("Authorization", "Bearer "+a.AccessToken)
	r.SetHeader("Accept", "text/event-stream")
	r.SetHeader("OpenAI-Beta", "responses=experimental")
	r.SetHeader("originator", "pi")
	r.SetHeader("User-Agent", upstreamUserAgent())
	if a.ChatGPTAccountID != "" {
		r.SetHeader("chatgpt-account-id", a.ChatGPTAccountID)
	}
	if sessionID != "" {
		r.SetHeader("session_id", sessionID)
	}
}

// upstreamUserAgent matches the "pi (<os-platform> <os-release>; <arch>)"
// shape the Codex CLI itself sends; the release component has no portable
// stdlib source, so it's reported as "unknown" rather than guessed.
func upstreamUserAgent() string {
	return fmt.Sprintf("pi (%s unknown; %s)", platformName(), runtime.GOARCH)
}

func platformName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

var quotaPattern = regexp.MustCompile(`(?i)\b429\b|quota|usage limit|rate.?limit|too many requests|limit reached|capacity`)

// isQuotaHit classifies a non-ok upstream response as an account-level
// quota exhaustion (triggers failover to the next account) rather than a
// hard error (returned straight to the client).
func isQuotaHit(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return quotaPattern.Match(body)
}

func snippet(body []byte) string {
	const max = 2048
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// deriveSessionID honors a client-supplied session id verbatim (the whole
// point of the field is upstream prompt-cache affinity across turns of the
// same conversation, so it must stay stable turn to turn rather than be
// re-derived from message content). Only when the client supplied none does
// it fall back to a content-derived hash, which is then necessarily
// unstable across a conversation's later turns. Responses-shaped bodies
// have no exported hash-derivation path in internal/router and fall back
// to "" in that case.
func deriveSessionID(clientSessionID string, body map[string]any) string {
	if clientSessionID != "" {
		return clientSessionID
	}

	msgs, ok := body["messages"].([]any)
	if !ok {
		return ""
	}
	converted := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		if mm, ok := m.(map[string]any); ok {
			converted = append(converted, mm)
		}
	}
	userID, _ := body["user"].(string)
	return router.SessionIDFromChat(userID, converted)
}
