package source_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/source"
)

func resultPage(fr, sr string) string {
	return fmt.Sprintf(`<html><body>
<div class="result"><span class="fr-result"> %s </span><span class="sr-result">%s</span></div>
<div class="result old"><span class="fr-result">99</span><span class="sr-result">98</span></div>
</body></html>`, fr, sr)
}

// newPageServer serves body for every request and records the User-Agent.
func newPageServer(t *testing.T, status int, body string) (*httptest.Server, *string) {
	t.Helper()
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &ua
}

func newAdapter(url string, opts ...source.Option) *source.HTTPAdapter {
	opts = append([]source.Option{source.WithRateLimit(1000, 10)}, opts...)
	return source.NewHTTPAdapter(map[draw.Game]string{draw.Shillong: url}, opts...)
}

func TestNewPair_IndependentFields(t *testing.T) {
	tests := []struct {
		fr, sr         string
		wantFR, wantSR string
	}{
		{"07", "23", "07", "23"},
		{"07", "--", "07", ""},
		{"XX", "23", "", "23"},
		{"123", "7", "", ""},
		{" 42 ", "", "42", ""},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		p := source.NewPair(tt.fr, tt.sr)
		if p.FR != tt.wantFR || p.SR != tt.wantSR {
			t.Errorf("NewPair(%q, %q) = %+v, want FR=%q SR=%q", tt.fr, tt.sr, p, tt.wantFR, tt.wantSR)
		}
	}
}

func TestPair_Number(t *testing.T) {
	p := source.Pair{FR: "11", SR: "22"}
	if p.Number(draw.FirstRound) != "11" || p.Number(draw.SecondRound) != "22" {
		t.Errorf("unexpected numbers from %+v", p)
	}
}

func TestHTTPAdapter_ParsesFirstMatch(t *testing.T) {
	srv, ua := newPageServer(t, http.StatusOK, resultPage("07", "23"))
	a := newAdapter(srv.URL)

	p, err := a.Fetch(context.Background(), draw.Shillong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FR != "07" || p.SR != "23" {
		t.Errorf("expected 07/23, got %+v", p)
	}
	if *ua == "" {
		t.Error("expected a User-Agent header to be sent")
	}
}

func TestHTTPAdapter_PlaceholderIsAbsent(t *testing.T) {
	srv, _ := newPageServer(t, http.StatusOK, resultPage("45", "--"))
	a := newAdapter(srv.URL)

	p, err := a.Fetch(context.Background(), draw.Shillong)
	if err != nil {
		t.Fatalf("placeholder must not be an error: %v", err)
	}
	if p.FR != "45" || p.SR != "" {
		t.Errorf("expected FR only, got %+v", p)
	}
}

func TestHTTPAdapter_CustomSelectorsAndUserAgent(t *testing.T) {
	body := `<table><tr><td id="f">12</td><td id="s">34</td></tr></table>`
	srv, ua := newPageServer(t, http.StatusOK, body)
	a := newAdapter(srv.URL, source.WithSelectors("#f", "#s"), source.WithUserAgent("teer-bot/1"))

	p, err := a.Fetch(context.Background(), draw.Shillong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FR != "12" || p.SR != "34" {
		t.Errorf("unexpected pair %+v", p)
	}
	if *ua != "teer-bot/1" {
		t.Errorf("expected custom user agent, got %q", *ua)
	}
}

func TestHTTPAdapter_ErrorKinds(t *testing.T) {
	notFound, _ := newPageServer(t, http.StatusNotFound, "gone")
	noMarkup, _ := newPageServer(t, http.StatusOK, "<html><body>maintenance</body></html>")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name string
		a    *source.HTTPAdapter
		game draw.Game
		want source.Kind
	}{
		{"status", newAdapter(notFound.URL), draw.Shillong, source.KindStatus},
		{"malformed", newAdapter(noMarkup.URL), draw.Shillong, source.KindMalformed},
		{"timeout", newAdapter(slow.URL, source.WithTimeout(50*time.Millisecond)), draw.Shillong, source.KindTimeout},
		{"network", newAdapter(closedURL), draw.Shillong, source.KindNetwork},
		{"unconfigured", newAdapter(notFound.URL), draw.Night, source.KindUnconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.a.Fetch(context.Background(), tt.game)
			se, ok := source.AsError(err)
			if !ok {
				t.Fatalf("expected *source.Error, got %v", err)
			}
			if se.Kind != tt.want {
				t.Errorf("expected kind %s, got %s (%v)", tt.want, se.Kind, err)
			}
			if se.Game != tt.game {
				t.Errorf("expected game %s, got %s", tt.game, se.Game)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	failing := source.Func(func(ctx context.Context, g draw.Game) (source.Pair, error) {
		return source.Pair{}, &source.Error{Game: g, Kind: source.KindNetwork, Err: errors.New("down")}
	})
	empty := source.Func(func(ctx context.Context, g draw.Game) (source.Pair, error) {
		return source.Pair{}, nil
	})
	good := source.Func(func(ctx context.Context, g draw.Game) (source.Pair, error) {
		return source.NewPair("07", ""), nil
	})

	p, err := source.Fallback{failing, empty, good}.Fetch(context.Background(), draw.Juwai)
	if err != nil || p.FR != "07" {
		t.Errorf("expected first usable pair, got %+v err=%v", p, err)
	}

	p, err = source.Fallback{failing, empty}.Fetch(context.Background(), draw.Juwai)
	if err != nil || !p.Empty() {
		t.Errorf("expected empty pair without error, got %+v err=%v", p, err)
	}

	_, err = source.Fallback{failing, failing}.Fetch(context.Background(), draw.Juwai)
	if se, ok := source.AsError(err); !ok || se.Kind != source.KindNetwork {
		t.Errorf("expected last network error, got %v", err)
	}
}

func TestFallback_MirrorWithoutPage(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<div class="fr-result">64</div><div class="sr-result">--</div>`))
	}))
	defer mirror.Close()

	src := source.Fallback{
		source.NewHTTPAdapter(map[draw.Game]string{draw.Juwai: primary.URL, draw.Shillong: primary.URL}),
		source.NewHTTPAdapter(map[draw.Game]string{draw.Juwai: mirror.URL}),
	}

	p, err := src.Fetch(context.Background(), draw.Juwai)
	if err != nil || p.FR != "64" || p.SR != "" {
		t.Errorf("expected mirror pair FR=64, got %+v err=%v", p, err)
	}

	// No mirror page for shillong: the primary's failure is what surfaces.
	_, err = src.Fetch(context.Background(), draw.Shillong)
	if se, ok := source.AsError(err); !ok || se.Kind != source.KindStatus {
		t.Errorf("expected the primary status error, got %v", err)
	}
}
