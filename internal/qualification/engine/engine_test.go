package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leadqual_backend/internal/events"
	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/internal/qualification/provider"
	"leadqual_backend/internal/qualification/rules"
	"leadqual_backend/internal/qualification/store"
	"leadqual_backend/platform/apperr"
	platformevents "leadqual_backend/platform/events"
	"leadqual_backend/platform/logger"
	"leadqual_backend/platform/metrics"
)

const contact = "+5511961234567"

// fakeProvider answers from per-text scripts. Unscripted texts extract
// nothing and classify as other.
type fakeProvider struct {
	mu       sync.Mutex
	fields   map[string]map[string]string
	intents  map[string]domain.Intent
	replyErr error
	calls    atomic.Int64

	replying    atomic.Int64
	maxReplying atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		fields:  map[string]map[string]string{},
		intents: map[string]domain.Intent{},
	}
}

func (f *fakeProvider) script(text string, intent domain.Intent, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[text] = intent
	f.fields[text] = fields
}

func (f *fakeProvider) ExtractFields(ctx context.Context, text string, known []string) (map[string]string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.fields[text] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeProvider) ClassifyIntent(ctx context.Context, text string) (domain.Intent, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if intent, ok := f.intents[text]; ok {
		return intent, nil
	}
	return domain.IntentOther, nil
}

func (f *fakeProvider) GenerateReply(ctx context.Context, history []domain.Message, collected map[string]string, criteria domain.Criteria) (string, error) {
	f.calls.Add(1)
	n := f.replying.Add(1)
	defer f.replying.Add(-1)
	for {
		m := f.maxReplying.Load()
		if n <= m || f.maxReplying.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(200 * time.Microsecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	return fmt.Sprintf("reply %d", len(history)), nil
}

type blockingExtract struct{ *fakeProvider }

func (b blockingExtract) ExtractFields(ctx context.Context, _ string, _ []string) (map[string]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	engine *Engine
	store  *store.Memory
	fake   *fakeProvider
	bus    *platformevents.InMemoryBus
	now    time.Time

	mu     sync.Mutex
	events []events.Event
}

var replies = Replies{Fallback: "fallback", Handoff: "handoff", Closing: "closing"}

func newHarness(t *testing.T, opts domain.CriteriaOptions) *harness {
	t.Helper()
	criteria, err := domain.NewCriteria(opts)
	if err != nil {
		t.Fatalf("criteria: %v", err)
	}

	h := &harness{
		store: store.NewMemory(),
		fake:  newFakeProvider(),
		bus:   platformevents.NewInMemoryBus(logger.Discard()),
		now:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	for _, name := range []string{events.NameConversationQualified, events.NameConversationEscalated, events.NameConversationEnded} {
		h.bus.Subscribe(name, events.HandlerFunc(func(_ context.Context, evt events.Event) error {
			h.mu.Lock()
			h.events = append(h.events, evt)
			h.mu.Unlock()
			return nil
		}))
	}

	h.engine = New(Options{
		Store:     h.store,
		Provider:  h.fake,
		Criteria:  criteria,
		Replies:   replies,
		Retention: 24 * time.Hour,
		Bus:       h.bus,
		Metrics:   metrics.New(),
		Log:       logger.Discard(),
		Now: func() time.Time {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.now
		},
	})
	return h
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) send(t *testing.T, text string) *Result {
	t.Helper()
	res, err := h.engine.HandleInbound(context.Background(), Inbound{ContactID: contact, Text: text})
	if err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	h.advance(time.Minute)
	return res
}

func (h *harness) published() []events.Event {
	h.bus.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.events...)
}

func defaultOptions() domain.CriteriaOptions {
	return domain.CriteriaOptions{RequiredFields: []string{"name", "interest"}, MinScore: 50, MaxAttempts: 5}
}

func TestFirstGreetingContinues(t *testing.T) {
	h := newHarness(t, defaultOptions())
	res := h.send(t, "Hi")

	if res.Outcome != OutcomeContinue || !res.Created {
		t.Fatalf("expected created continue, got %+v", res)
	}
	c := res.Conversation
	if c.Attempts != 1 || c.Score != 6 || c.Status != domain.StatusInProgress {
		t.Fatalf("expected attempts 1 score 6 in_progress, got %d/%d/%s", c.Attempts, c.Score, c.Status)
	}
	if len(c.Messages) != 2 || c.Messages[0].Role != domain.RoleLead || c.Messages[1].Text != res.Reply {
		t.Fatalf("expected lead message then agent reply, got %+v", c.Messages)
	}
	if c.Messages[0].Intent != domain.IntentOther {
		t.Fatalf("expected intent recorded on the lead message, got %q", c.Messages[0].Intent)
	}

	stored, err := h.store.Get(context.Background(), contact)
	if err != nil || stored.Attempts != 1 || len(stored.Messages) != 2 {
		t.Fatalf("expected persisted turn, got %+v (%v)", stored, err)
	}
}

func TestFifthAttemptEscalatesWithoutName(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.fake.script("hmm 1", domain.IntentInfoRequest, map[string]string{"interest": "planos"})

	for i := 1; i <= 4; i++ {
		if res := h.send(t, fmt.Sprintf("hmm %d", i)); res.Outcome != OutcomeContinue {
			t.Fatalf("turn %d: expected continue, got %s (score %d)", i, res.Outcome, res.Conversation.Score)
		}
	}
	res := h.send(t, "hmm 5")
	if res.Outcome != OutcomeEscalate || res.Conversation.Status != domain.StatusNeedsHuman {
		t.Fatalf("expected escalation on turn 5, got %s/%s", res.Outcome, res.Conversation.Status)
	}
	if res.Conversation.Attempts != 5 || !strings.Contains(res.Conversation.EscalationReason, "name") {
		t.Fatalf("expected attempts 5 with reason naming the missing field, got %d %q", res.Conversation.Attempts, res.Conversation.EscalationReason)
	}
	if res.Reply != replies.Handoff || res.Conversation.EscalatedAt == nil {
		t.Fatalf("expected handoff reply and escalated_at, got %+v", res)
	}

	evts := h.published()
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	esc, ok := evts[0].(events.ConversationEscalated)
	if !ok || esc.Manual || esc.Summary == "" || esc.Conversation.ContactID != contact {
		t.Fatalf("unexpected event %+v", evts[0])
	}
}

func TestHandoffBeatsQualification(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.fake.script("oi", domain.IntentInfoRequest, map[string]string{"name": "Ana", "interest": "planos"})
	h.fake.script("quero falar com alguém", domain.IntentHandoffRequest, nil)

	if res := h.send(t, "oi"); res.Outcome != OutcomeContinue {
		t.Fatalf("expected continue on turn 1, got %s (score %d)", res.Outcome, res.Conversation.Score)
	}
	res := h.send(t, "quero falar com alguém")
	c := res.Conversation
	if c.Score < 50 || !h.engine.Criteria().RequiredPresent(c.CollectedData) {
		t.Fatalf("expected a conversation that would qualify, got score %d", c.Score)
	}
	if res.Outcome != OutcomeEscalate || c.EscalationReason != rules.ReasonHandoffRequested {
		t.Fatalf("expected handoff escalation, got %s %q", res.Outcome, c.EscalationReason)
	}
	if c.QualifiedAt != nil {
		t.Fatalf("expected no qualification milestone")
	}
}

func TestQualifiesAndPublishes(t *testing.T) {
	h := newHarness(t, domain.CriteriaOptions{RequiredFields: []string{"name"}, MinScore: 40})
	h.fake.script("sou a Ana", domain.IntentInfoRequest, map[string]string{"name": "Ana"})

	res := h.send(t, "sou a Ana")
	if res.Outcome != OutcomeQualified || res.Conversation.Status != domain.StatusQualified {
		t.Fatalf("expected qualified, got %s (score %d)", res.Outcome, res.Conversation.Score)
	}
	if res.Reply != replies.Handoff || res.Breakdown == nil || res.Breakdown.Completeness != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	evts := h.published()
	if len(evts) != 1 || evts[0].EventName() != events.NameConversationQualified {
		t.Fatalf("expected qualified event, got %+v", evts)
	}
}

func TestOptOutEndsConversation(t *testing.T) {
	h := newHarness(t, defaultOptions())
	res := h.send(t, "não quero mais, me tire da lista")

	if res.Outcome != OutcomeEnd || res.Conversation.Status != domain.StatusDisqualified || res.Reply != replies.Closing {
		t.Fatalf("expected disqualified end, got %+v", res)
	}
	evts := h.published()
	if len(evts) != 1 || evts[0].EventName() != events.NameConversationEnded {
		t.Fatalf("expected ended event, got %+v", evts)
	}
}

func TestTerminalConversationOnlyRecordsMessages(t *testing.T) {
	cases := []struct {
		name   string
		opts   domain.CriteriaOptions
		setup  func(t *testing.T, h *harness)
		status domain.Status
	}{
		{
			name: "needs_human",
			opts: defaultOptions(),
			setup: func(t *testing.T, h *harness) {
				h.fake.script("atendente por favor", domain.IntentHandoffRequest, nil)
				h.send(t, "atendente por favor")
			},
			status: domain.StatusNeedsHuman,
		},
		{
			name: "qualified",
			opts: domain.CriteriaOptions{RequiredFields: []string{"name"}, MinScore: 40},
			setup: func(t *testing.T, h *harness) {
				h.fake.script("sou a Ana", domain.IntentInfoRequest, map[string]string{"name": "Ana"})
				h.send(t, "sou a Ana")
			},
			status: domain.StatusQualified,
		},
		{
			name: "disqualified",
			opts: defaultOptions(),
			setup: func(t *testing.T, h *harness) {
				h.send(t, "não quero mais, me tire da lista")
			},
			status: domain.StatusDisqualified,
		},
		{
			name: "ended",
			opts: defaultOptions(),
			setup: func(t *testing.T, h *harness) {
				h.fake.script("sou a Ana", domain.IntentInfoRequest, map[string]string{"name": "Ana"})
				h.send(t, "sou a Ana")
				if _, err := h.engine.ForceEnd(context.Background(), contact, "closed by operator"); err != nil {
					t.Fatalf("force end: %v", err)
				}
			},
			status: domain.StatusEnded,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.opts)
			tc.setup(t, h)
			before, err := h.store.Get(context.Background(), contact)
			if err != nil || before.Status != tc.status {
				t.Fatalf("expected %s before the turn, got %+v (%v)", tc.status, before, err)
			}

			calls := h.fake.calls.Load()
			res := h.send(t, "sou a Ana")
			if res.Outcome != OutcomeNoOp || res.Reply != "" {
				t.Fatalf("expected no-op, got %+v", res)
			}
			if h.fake.calls.Load() != calls {
				t.Fatalf("expected no provider calls for a human-owned conversation")
			}

			after, err := h.store.Get(context.Background(), contact)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if after.Status != before.Status || after.Attempts != before.Attempts || after.Score != before.Score {
				t.Fatalf("expected status/attempts/score untouched, before %+v after %+v", before, after)
			}
			if !maps.Equal(after.CollectedData, before.CollectedData) {
				t.Fatalf("expected collected data untouched, before %v after %v", before.CollectedData, after.CollectedData)
			}
			if len(after.Messages) != len(before.Messages)+1 {
				t.Fatalf("expected one message appended, got %d -> %d", len(before.Messages), len(after.Messages))
			}
			if last := after.Messages[len(after.Messages)-1]; last.Text != "sou a Ana" || last.Role != domain.RoleLead {
				t.Fatalf("expected inbound message appended, got %+v", last)
			}
		})
	}
}

func TestProviderTimeoutKeepsMessageOnly(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.fake.script("sou a Ana", domain.IntentInfoRequest, map[string]string{"name": "Ana"})
	before := h.send(t, "sou a Ana").Conversation

	h.engine.provider = provider.NewInstrumented(blockingExtract{h.fake}, 20*time.Millisecond, nil, nil)
	res, err := h.engine.HandleInbound(context.Background(), Inbound{ContactID: contact, Text: "meu interesse é o plano anual"})
	if !apperr.Is(err, apperr.KindUnavailable) || !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if res == nil || res.Outcome != OutcomeUnavailable || res.Reply != replies.Fallback {
		t.Fatalf("expected unavailable outcome with fallback, got %+v", res)
	}

	after, err := h.store.Get(context.Background(), contact)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Attempts != before.Attempts || after.Score != before.Score || len(after.CollectedData) != len(before.CollectedData) {
		t.Fatalf("expected attempts/score/data unchanged, before %+v after %+v", before, after)
	}
	if len(after.Messages) != len(before.Messages)+1 || after.Messages[len(after.Messages)-1].Text != "meu interesse é o plano anual" {
		t.Fatalf("expected inbound message kept, got %+v", after.Messages)
	}
}

func TestReplyFailureDiscardsTurnEffects(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.fake.script("sou a Ana", domain.IntentInfoRequest, map[string]string{"name": "Ana"})
	h.fake.replyErr = fmt.Errorf("%w: 503", provider.ErrUnavailable)

	res, err := h.engine.HandleInbound(context.Background(), Inbound{ContactID: contact, Text: "sou a Ana"})
	if !apperr.Is(err, apperr.KindUnavailable) || res.Outcome != OutcomeUnavailable {
		t.Fatalf("expected unavailable, got %v %+v", err, res)
	}
	stored, _ := h.store.Get(context.Background(), contact)
	if stored.Attempts != 0 || stored.Score != 0 || len(stored.CollectedData) != 0 || len(stored.Messages) != 1 {
		t.Fatalf("expected only the inbound message persisted, got %+v", stored)
	}

	h.fake.replyErr = nil
	res = h.send(t, "sou a Ana")
	if res.Conversation.CollectedData["phone"] != contact || res.Conversation.CollectedData["name"] != "Ana" {
		t.Fatalf("expected phone seeded on the first successful turn, got %v", res.Conversation.CollectedData)
	}
}

// gatedExtract holds extraction until release is closed, ignoring ctx.
type gatedExtract struct {
	*fakeProvider
	started chan struct{}
	release chan struct{}
}

func (g gatedExtract) ExtractFields(ctx context.Context, text string, known []string) (map[string]string, error) {
	close(g.started)
	<-g.release
	return g.fakeProvider.ExtractFields(ctx, text, known)
}

func TestCallerCancellationDoesNotAbortTurn(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.fake.script("sou a Ana", domain.IntentInfoRequest, map[string]string{"name": "Ana"})
	gate := gatedExtract{fakeProvider: h.fake, started: make(chan struct{}), release: make(chan struct{})}
	h.engine.provider = gate

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.engine.HandleInbound(ctx, Inbound{ContactID: contact, Text: "sou a Ana"})
		done <- outcome{res, err}
	}()

	<-gate.started
	cancel()
	close(gate.release)

	out := <-done
	if out.err != nil {
		t.Fatalf("expected the turn to complete, got %v", out.err)
	}
	if out.res.Outcome != OutcomeContinue || out.res.Conversation.Attempts != 1 || out.res.Conversation.CollectedData["name"] != "Ana" {
		t.Fatalf("expected a full turn, got %+v", out.res)
	}
	stored, err := h.store.Get(context.Background(), contact)
	if err != nil || stored.Attempts != 1 || len(stored.Messages) != 2 {
		t.Fatalf("expected persisted turn, got %+v (%v)", stored, err)
	}
}

func TestLockErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind apperr.Kind
	}{
		{context.Canceled, apperr.KindUnavailable},
		{fmt.Errorf("wait: %w", context.DeadlineExceeded), apperr.KindUnavailable},
		{errors.New("redis: connection refused"), apperr.KindStore},
	}
	for _, tc := range cases {
		if err := lockError(tc.err, "engine.test"); !apperr.Is(err, tc.kind) {
			t.Fatalf("%v: expected kind %s, got %v", tc.err, tc.kind, err)
		}
	}
}

func TestInvalidInputPersistsNothing(t *testing.T) {
	h := newHarness(t, defaultOptions())
	cases := []Inbound{
		{ContactID: "not-a-phone", Text: "oi"},
		{ContactID: "123", Text: "oi"},
		{ContactID: contact, Text: "   "},
		{ContactID: contact, Text: "<b></b>\x00"},
	}
	for _, in := range cases {
		if _, err := h.engine.HandleInbound(context.Background(), in); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("%+v: expected validation error, got %v", in, err)
		}
	}
	all, _ := h.store.List(context.Background())
	if len(all) != 0 {
		t.Fatalf("expected nothing persisted, got %d records", len(all))
	}
}

func TestInboundTextIsSanitized(t *testing.T) {
	h := newHarness(t, defaultOptions())
	res, err := h.engine.HandleInbound(context.Background(), Inbound{ContactID: contact, Text: "<p>oi, tudo bem?</p>\x07", SenderName: "Ana\n<i>Souza</i>"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := res.Conversation.Messages[0].Text; got != "oi, tudo bem?" {
		t.Fatalf("expected sanitized text, got %q", got)
	}
	if res.Conversation.DisplayName != "Ana Souza" {
		t.Fatalf("expected sanitized display name, got %q", res.Conversation.DisplayName)
	}
}

func TestContactIDIsNormalized(t *testing.T) {
	h := newHarness(t, defaultOptions())
	res, err := h.engine.HandleInbound(context.Background(), Inbound{ContactID: "5511961234567@s.whatsapp.net", Text: "oi", SenderName: "Ana W"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Conversation.ContactID != contact || res.Conversation.DisplayName != "Ana W" {
		t.Fatalf("expected normalized id and display name, got %+v", res.Conversation)
	}
	if _, ok := res.Conversation.CollectedData["name"]; ok {
		t.Fatalf("expected display name not copied into collected data")
	}
}

func TestConcurrentDeliveriesAreSerialized(t *testing.T) {
	criteria := domain.CriteriaOptions{RequiredFields: []string{"name"}, MinScore: 100, MaxAttempts: 1000}
	h := newHarness(t, criteria)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.HandleInbound(context.Background(), Inbound{ContactID: contact, Text: "same text"}); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	c, err := h.store.Get(context.Background(), contact)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Attempts != n || len(c.Messages) != 2*n {
		t.Fatalf("expected %d attempts and %d messages, got %d and %d", n, 2*n, c.Attempts, len(c.Messages))
	}
	for i := 0; i < len(c.Messages); i += 2 {
		if c.Messages[i].Role != domain.RoleLead || c.Messages[i+1].Role != domain.RoleAgent {
			t.Fatalf("expected strictly alternating turns at %d", i)
		}
	}
	if peak := h.fake.maxReplying.Load(); peak != 1 {
		t.Fatalf("expected one turn at a time for a contact, saw %d", peak)
	}
}

func TestScoreIsDerivableFromRecord(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.fake.script("quero comprar hoje", domain.IntentPurchase, map[string]string{"interest": "plano", "urgency": "alta"})
	h.send(t, "oi")
	res := h.send(t, "quero comprar hoje")

	stored, _ := h.store.Get(context.Background(), contact)
	if got := rules.Score(stored, h.engine.Criteria()); got != stored.Score || got != res.Conversation.Score {
		t.Fatalf("expected stored score %d to be recomputable, got %d", stored.Score, got)
	}
}

type failingStore struct {
	*store.Memory
}

func (failingStore) Save(context.Context, *domain.Conversation) error {
	return errors.New("disk full")
}

func TestStoreFailureIsStoreError(t *testing.T) {
	criteria, _ := domain.NewCriteria(defaultOptions())
	e := New(Options{Store: failingStore{store.NewMemory()}, Provider: newFakeProvider(), Criteria: criteria, Replies: replies})

	_, err := e.HandleInbound(context.Background(), Inbound{ContactID: contact, Text: "oi"})
	if !apperr.Is(err, apperr.KindStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}
