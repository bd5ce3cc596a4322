package provider

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/platform/metrics"
)

type mockChat struct {
	content string
	err     error
	last    openai.ChatCompletionNewParams
}

func (m *mockChat) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.last = body
	if m.err != nil {
		return nil, m.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: m.content}}},
	}, nil
}

func testCriteria(t *testing.T) domain.Criteria {
	t.Helper()
	c, err := domain.NewCriteria(domain.CriteriaOptions{RequiredFields: []string{"name", "interest"}, MinScore: 50})
	if err != nil {
		t.Fatalf("criteria: %v", err)
	}
	return c
}

func TestExtractFieldsFiltersUnknownAndEmpty(t *testing.T) {
	chat := &mockChat{content: "```json\n{\"name\": \"Ana\", \"Budget\": 5000, \"interest\": \"\", \"favourite_color\": \"blue\"}\n```"}
	p := newOpenAIModel(chat, "")

	got, err := p.ExtractFields(context.Background(), "sou a Ana, tenho 5000", []string{"name", "interest", "budget"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"name": "Ana", "budget": "5000"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if chat.last.Model != DefaultOpenAIModel {
		t.Fatalf("expected default model, got %s", chat.last.Model)
	}
}

func TestExtractFieldsMalformedIsUnavailable(t *testing.T) {
	p := newOpenAIModel(&mockChat{content: "I think the name is Ana"}, "")
	if _, err := p.ExtractFields(context.Background(), "sou a Ana", []string{"name"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExtractFieldsNothingUsefulIsEmpty(t *testing.T) {
	p := newOpenAIModel(&mockChat{content: "{}"}, "")
	got, err := p.ExtractFields(context.Background(), "oi", []string{"name"})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty map without error, got %v %v", got, err)
	}
}

func TestClassifyIntent(t *testing.T) {
	cases := map[string]domain.Intent{
		"purchase_intent":         domain.IntentPurchase,
		" Handoff_Request.\n":     domain.IntentHandoffRequest,
		"```\ncomplaint\n```":     domain.IntentComplaint,
		"info_request because...": domain.IntentInfoRequest,
		"banana":                  domain.IntentOther,
	}
	for out, want := range cases {
		p := newOpenAIModel(&mockChat{content: out}, "")
		got, err := p.ClassifyIntent(context.Background(), "quero comprar")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("%q: expected %s, got %s", out, want, got)
		}
	}
}

func TestGenerateReplyMapsRolesAndValidates(t *testing.T) {
	chat := &mockChat{content: "  Qual é o seu nome?  "}
	p := newOpenAIModel(chat, "gpt-test")
	history := []domain.Message{
		{Role: domain.RoleLead, Text: "oi"},
		{Role: domain.RoleAgent, Text: "olá!"},
		{Role: domain.RoleLead, Text: "quero um plano"},
	}

	reply, err := p.GenerateReply(context.Background(), history, map[string]string{"interest": "plano"}, testCriteria(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Qual é o seu nome?" {
		t.Fatalf("expected trimmed reply, got %q", reply)
	}
	if len(chat.last.Messages) != 4 {
		t.Fatalf("expected system + 3 turns, got %d", len(chat.last.Messages))
	}
	if chat.last.Messages[0].OfSystem == nil || chat.last.Messages[2].OfAssistant == nil || chat.last.Messages[3].OfUser == nil {
		t.Fatalf("unexpected role mapping")
	}
}

func TestGenerateReplyRejectsEmptyAndOversized(t *testing.T) {
	history := []domain.Message{{Role: domain.RoleLead, Text: "oi"}}
	for _, out := range []string{"   ", strings.Repeat("a", MaxReplyLength)} {
		p := newOpenAIModel(&mockChat{content: out}, "")
		if _, err := p.GenerateReply(context.Background(), history, nil, testCriteria(t)); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable for %d chars, got %v", len(out), err)
		}
	}
}

func TestBackendErrorIsUnavailable(t *testing.T) {
	p := newOpenAIModel(&mockChat{err: errors.New("429 too many requests")}, "")
	if _, err := p.ClassifyIntent(context.Background(), "oi"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

type fakeLLM struct {
	text string
	err  error
	req  *model.LLMRequest
}

func (f *fakeLLM) Name() string { return "fake-llm" }

func (f *fakeLLM) GenerateContent(ctx context.Context, req *model.LLMRequest, stream bool) iter.Seq2[*model.LLMResponse, error] {
	f.req = req
	return func(yield func(*model.LLMResponse, error) bool) {
		if f.err != nil {
			yield(nil, f.err)
			return
		}
		yield(&model.LLMResponse{Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{genai.NewPartFromText(f.text)}}}, nil)
	}
}

func TestLLMBackend(t *testing.T) {
	llm := &fakeLLM{text: `{"name":"Bia"}`}
	p := NewLLM(llm)

	got, err := p.ExtractFields(context.Background(), "me chamo Bia", []string{"name"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["name"] != "Bia" {
		t.Fatalf("expected name Bia, got %v", got)
	}
	if p.Name() != "fake-llm" {
		t.Fatalf("expected backend name, got %s", p.Name())
	}
	if llm.req.Config == nil || llm.req.Config.SystemInstruction == nil || len(llm.req.Contents) != 1 {
		t.Fatalf("expected system instruction and one content, got %+v", llm.req)
	}

	llm.err = errors.New("connection reset")
	if _, err := p.ClassifyIntent(context.Background(), "oi"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

type blockingProvider struct{}

func (blockingProvider) GenerateReply(ctx context.Context, _ []domain.Message, _ map[string]string, _ domain.Criteria) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingProvider) ExtractFields(ctx context.Context, _ string, _ []string) (map[string]string, error) {
	return map[string]string{"name": "Ana"}, nil
}

func (blockingProvider) ClassifyIntent(ctx context.Context, _ string) (domain.Intent, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestInstrumentedTimeoutIsUnavailable(t *testing.T) {
	p := NewInstrumented(blockingProvider{}, 20*time.Millisecond, metrics.New(), nil)

	start := time.Now()
	_, err := p.GenerateReply(context.Background(), nil, nil, domain.Criteria{})
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected unavailable deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected timeout to cut the call short")
	}

	if _, err := p.ExtractFields(context.Background(), "oi", []string{"name"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := p.Stats()
	if stats.TotalRequests != 2 || stats.TotalErrors != 1 {
		t.Fatalf("expected 2 requests and 1 error, got %+v", stats)
	}
	if stats.Operations[OpGenerateReply].Errors != 1 || stats.Operations[OpExtractFields].Requests != 1 {
		t.Fatalf("unexpected per-operation stats %+v", stats.Operations)
	}

	h := p.HealthCheck(context.Background())
	if h.Healthy || h.Error == "" {
		t.Fatalf("expected unhealthy probe, got %+v", h)
	}
}
