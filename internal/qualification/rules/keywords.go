package rules

import (
	"strings"
	"unicode"
)

// keyword lists are matched against lowercased lead text; single words match
// whole tokens, phrases match as substrings
var (
	disqualifyKeywords = []string{
		"spam", "teste", "bot", "desisto",
		"não quero mais", "nao quero mais", "me tire da lista", "remover da lista",
		"stop", "unsubscribe",
	}

	humanKeywords = []string{
		"falar com pessoa", "falar com alguém", "falar com alguem", "atendente",
		"humano", "pessoa real", "talk to a human", "real person",
	}

	positiveKeywords = []string{
		"interessado", "interessada", "quero", "preciso", "gostaria",
		"quando", "quanto custa", "valor", "comprar", "contratar",
		"orçamento", "orcamento", "interested", "buy", "price", "quote",
	}

	urgencyKeywords = []string{
		"urgente", "hoje", "agora", "rápido", "rapido", "logo", "em breve",
		"urgent", "asap", "today",
	}

	tagKeywords = []struct {
		keyword string
		tag     string
	}{
		{"orçamento", TagBudgetRequest},
		{"orcamento", TagBudgetRequest},
		{"valor", TagPricingInquiry},
		{"preço", TagPricingInquiry},
		{"comprar", TagReadyToBuy},
		{"dúvida", TagHasQuestions},
		{"duvida", TagHasQuestions},
		{"comparar", TagComparingOptions},
		{"urgente", TagUrgent},
		{"problema", TagHasIssue},
	}
)

type textIndex struct {
	lowered string
	tokens  map[string]struct{}
}

func indexText(text string) textIndex {
	lowered := strings.ToLower(text)
	tokens := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = struct{}{}
	}
	return textIndex{lowered: lowered, tokens: tokens}
}

func (ix textIndex) has(keyword string) bool {
	if strings.ContainsRune(keyword, ' ') {
		return strings.Contains(ix.lowered, keyword)
	}
	_, ok := ix.tokens[keyword]
	return ok
}

func (ix textIndex) matches(keywords []string) []string {
	var hits []string
	for _, k := range keywords {
		if ix.has(k) {
			hits = append(hits, k)
		}
	}
	return hits
}

// WantsHuman reports whether text explicitly asks for a person.
func WantsHuman(text string) bool {
	return len(indexText(text).matches(humanKeywords)) > 0
}

// Disqualifies reports whether text opts out or looks like spam/test traffic.
func Disqualifies(text string) bool {
	return len(indexText(text).matches(disqualifyKeywords)) > 0
}
