package loan

import (
	"bytes"
	"strings"
	"testing"
)

func samplePayload() OfferPayload {
	return OfferPayload{
		Borrower:     "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Principal:    "1000000000000000000",
		InterestBps:  500,
		DueAt:        1_700_086_400,
		Nonce:        0,
		IssuedAt:     1_700_000_000,
		ExpiresAt:    1_700_000_900,
		Action:       uint8(ActionGasAdvance),
		MetadataHash: "",
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	p := samplePayload()
	first, err := p.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	second, err := p.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("canonical encoding not deterministic:\n%s\n%s", first, second)
	}
	if !strings.Contains(string(first), `"borrower":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"`) {
		t.Fatalf("borrower not lowercased: %s", first)
	}
	if !strings.Contains(string(first), `"metadataHash":"`+ZeroMetadataHash+`"`) {
		t.Fatalf("empty metadata hash not defaulted: %s", first)
	}
}

func TestCanonicalJSONNormalizesEquivalentInputs(t *testing.T) {
	a := samplePayload()
	b := samplePayload()
	b.Borrower = strings.ToLower(b.Borrower)
	b.Principal = " 1000000000000000000 "
	b.MetadataHash = ZeroMetadataHash

	first, err := a.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	second, err := b.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("equivalent payloads encoded differently:\n%s\n%s", first, second)
	}
}

func TestDigestChangesWithAnyField(t *testing.T) {
	base, err := samplePayload().Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	mutations := map[string]func(*OfferPayload){
		"borrower":     func(p *OfferPayload) { p.Borrower = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB" },
		"principal":    func(p *OfferPayload) { p.Principal = "1000000000000000001" },
		"interestBps":  func(p *OfferPayload) { p.InterestBps = 501 },
		"dueAt":        func(p *OfferPayload) { p.DueAt++ },
		"nonce":        func(p *OfferPayload) { p.Nonce++ },
		"issuedAt":     func(p *OfferPayload) { p.IssuedAt-- },
		"expiresAt":    func(p *OfferPayload) { p.ExpiresAt++ },
		"action":       func(p *OfferPayload) { p.Action = uint8(ActionGasTopUp) },
		"metadataHash": func(p *OfferPayload) { p.MetadataHash = "0x" + strings.Repeat("11", 32) },
	}
	for field, mutate := range mutations {
		p := samplePayload()
		mutate(&p)
		got, err := p.Digest()
		if err != nil {
			t.Fatalf("%s: digest: %v", field, err)
		}
		if bytes.Equal(base, got) {
			t.Fatalf("flipping %s did not change the digest", field)
		}
	}
}

func TestCanonicalJSONRejectsBadInput(t *testing.T) {
	cases := map[string]func(*OfferPayload){
		"empty borrower":     func(p *OfferPayload) { p.Borrower = "" },
		"malformed borrower": func(p *OfferPayload) { p.Borrower = "0x123" },
		"empty principal":    func(p *OfferPayload) { p.Principal = "" },
		"negative principal": func(p *OfferPayload) { p.Principal = "-5" },
		"float principal":    func(p *OfferPayload) { p.Principal = "1.5" },
		"interest too high":  func(p *OfferPayload) { p.InterestBps = MaxInterestBps + 1 },
		"due before issue":   func(p *OfferPayload) { p.DueAt = p.IssuedAt },
		"expiry before issue": func(p *OfferPayload) {
			p.ExpiresAt = p.IssuedAt - 1
		},
		"short metadata": func(p *OfferPayload) { p.MetadataHash = "0x1234" },
	}
	for name, mutate := range cases {
		p := samplePayload()
		mutate(&p)
		if _, err := p.CanonicalJSON(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
