package fingerprint

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTokensStripsNoise(t *testing.T) {
	e := New()
	got := e.Tokens("RT @user Breaking: Flood hits the #Riyadh ring road 2024 https://t.co/abc")
	want := []string{"breaking", "flood", "hits", "riyadh", "ring", "road"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestTokensDropSingleRunes(t *testing.T) {
	got := New().Tokens("a b flood x road")
	if diff := cmp.Diff([]string{"flood", "road"}, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestTokensArabic(t *testing.T) {
	e := New()
	got := e.Tokens("سُيُول في #الرياض الآن، عاجل!")
	want := []string{"سيول", "الرياض", "الآن", "عاجل"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractRanksByFrequency(t *testing.T) {
	e := New()
	fp, err := e.Extract("flood flood road flood road city")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"flood", "road", "city"}, fp.Keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
	wantBigrams := []string{"flood road", "flood flood", "road flood", "road city"}
	if diff := cmp.Diff(wantBigrams, fp.Bigrams); diff != "" {
		t.Errorf("bigrams mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractTiesKeepFirstOccurrence(t *testing.T) {
	fp, err := New().Extract("gamma alpha beta")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"gamma", "alpha", "beta"}, fp.Keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractTopK(t *testing.T) {
	fp, err := New(WithTopK(2), WithTopBigrams(1)).Extract("apple banana cherry date elder")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"apple", "banana"}, fp.Keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
	if len(fp.Bigrams) != 1 {
		t.Errorf("expected 1 bigram, got %v", fp.Bigrams)
	}
}

func TestExtractKeywordsComeFromInput(t *testing.T) {
	e := New(WithTopK(3))
	texts := []string{
		"Video shows flooding on the King Fahd road this morning",
		"عاجل: فيديو يظهر غرق طريق الملك فهد صباح اليوم",
		"road road road closure closure detour",
		"Mixed نص with عربي and English words",
	}
	for _, text := range texts {
		fp, err := e.Extract(text)
		if err != nil {
			t.Fatalf("extract %q: %v", text, err)
		}
		if len(fp.Keywords) > 3 {
			t.Errorf("%q: expected at most 3 keywords, got %d", text, len(fp.Keywords))
		}
		present := make(map[string]bool)
		for _, tok := range e.Tokens(text) {
			present[tok] = true
		}
		for _, k := range fp.Keywords {
			if !present[k] {
				t.Errorf("%q: keyword %q not in input tokens", text, k)
			}
		}
	}
}

func TestExtractEmptyText(t *testing.T) {
	e := New()
	for _, text := range []string{"", "the of and", "https://x.com/a @bob 123 4567", "!!! ... ؟؟"} {
		if _, err := e.Extract(text); !errors.Is(err, ErrEmptyText) {
			t.Errorf("%q: expected ErrEmptyText, got %v", text, err)
		}
	}
}

func TestExtractBackgroundIDF(t *testing.T) {
	e := New(WithBackground([]string{"flood city", "flood road", "flood river"}))
	fp, err := e.Extract("flood flood city")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"city", "flood"}, fp.Keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
}

func TestExtraStopWords(t *testing.T) {
	e := New(WithStopWords("Riyadh"))
	if diff := cmp.Diff([]string{"flood"}, e.Tokens("riyadh flood")); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractCorpus(t *testing.T) {
	e := New()
	fp, err := e.ExtractCorpus([]string{"flood in riyadh", "riyadh flood video", "the flood", "@nobody"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"flood", "riyadh", "video"}, fp.Keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
	wantBigrams := []string{"flood riyadh", "riyadh flood", "flood video"}
	if diff := cmp.Diff(wantBigrams, fp.Bigrams); diff != "" {
		t.Errorf("bigrams mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractCorpusEmpty(t *testing.T) {
	if _, err := New().ExtractCorpus([]string{"", "the"}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
}

func TestOverlap(t *testing.T) {
	e := New()
	fp := Fingerprint{
		Keywords: []string{"flood", "riyadh", "video", "road"},
		Bigrams:  []string{"flood riyadh"},
	}
	tests := []struct {
		name string
		fp   Fingerprint
		text string
		want float64
	}{
		{"half keywords with bigram", fp, "Flood in Riyadh today", 0.75},
		{"half keywords no bigram", fp, "riyadh video", 0.5},
		{"no match", fp, "nothing here", 0},
		{"no tokens", fp, "https://t.co/x", 0},
		{"empty fingerprint", Fingerprint{}, "anything at all", 1},
		{"capped", Fingerprint{Keywords: []string{"flood"}, Bigrams: []string{"flood riyadh"}}, "flood riyadh", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Overlap(tt.fp, tt.text)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFitLeavesOriginalUntouched(t *testing.T) {
	base := New()
	fitted := base.Fit([]string{"flood city", "flood road", "flood river"})

	plain, err := base.Extract("flood flood city")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"flood", "city"}, plain.Keywords); diff != "" {
		t.Errorf("unfitted keywords mismatch (-want +got):\n%s", diff)
	}

	weighted, err := fitted.Extract("flood flood city")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"city", "flood"}, weighted.Keywords); diff != "" {
		t.Errorf("fitted keywords mismatch (-want +got):\n%s", diff)
	}
}
