package validator

import "testing"

type inboundBody struct {
	ContactID string `json:"contactId" validate:"required,notblank"`
	Text      string `json:"text" validate:"required,notblank,max=4096"`
}

func TestNotBlankRejectsWhitespace(t *testing.T) {
	v := New()

	err := v.Struct(inboundBody{ContactID: "+5511961234567", Text: "   "})
	if err == nil {
		t.Fatalf("expected whitespace-only text to fail validation")
	}

	details := Details(err)
	if len(details) != 1 || details[0].Field != "Text" || details[0].Rule != "notblank" {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestValidBodyPasses(t *testing.T) {
	if err := New().Struct(inboundBody{ContactID: "+5511961234567", Text: "oi"}); err != nil {
		t.Fatalf("expected valid body, got %v", err)
	}
	if Details(nil) != nil {
		t.Fatalf("expected nil details for nil error")
	}
}
