package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_ServicesAndTraces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/services":
			w.Write([]byte(`{"data":["web","jaeger-query"]}`))
		case "/api/traces":
			if r.URL.Query().Get("service") != "web" || r.URL.Query().Get("limit") != "0" {
				t.Errorf("unexpected query %q", r.URL.RawQuery)
			}
			w.Write([]byte(`{"data":[{"traceID":"abc","spans":[
				{"spanID":"s1","operationName":"prisma:call-operation","duration":2500000,
				 "references":[{"refType":"CHILD_OF","spanID":"s0"}],
				 "tags":[{"key":"prisma.frame","type":"string","value":"at x.ts:1"},{"key":"n","type":"int64","value":3}]}]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 5*time.Second)

	services, err := c.Services(context.Background())
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(services) != 2 || services[0] != "web" {
		t.Errorf("services = %v", services)
	}

	traces, err := c.Traces(context.Background(), "web")
	if err != nil {
		t.Fatalf("Traces: %v", err)
	}
	if len(traces) != 1 || len(traces[0].Spans) != 1 {
		t.Fatalf("traces = %+v", traces)
	}
	s := traces[0].Spans[0]
	if s.Duration != 2500000 || s.Parent() != "s0" {
		t.Errorf("span = %+v", s)
	}
	if frame, _ := s.Tag("prisma.frame"); frame != "at x.ts:1" {
		t.Errorf("frame = %q", frame)
	}
	if n, _ := s.Tag("n"); n != "3" {
		t.Errorf("numeric tag = %q, want 3", n)
	}
}

func TestClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Services(context.Background())
	if !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("err = %v, want ErrUpstreamFetch", err)
	}
	var upErr *UpstreamFetchError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusBadGateway || upErr.Op != "services" {
		t.Errorf("upErr = %+v", upErr)
	}
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"traceID": 12`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Traces(context.Background(), "web")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Services(context.Background())
	if !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("err = %v, want ErrUpstreamFetch", err)
	}
}
