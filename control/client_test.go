package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFinalizePostsExpectedPayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("missing auth header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Finalize(context.Background(), "0xfrac", "farm-7"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if gotPath != "/delegate-sgctl/finalize" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["fractionId"] != "0xfrac" || gotBody["farmId"] != "farm-7" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestRefundReportsNon2xxAsSettlementError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "downstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Refund(context.Background(), "0xfrac")
	if !errors.Is(err, ErrSettlement) {
		t.Fatalf("expected settlement error, got %v", err)
	}
}

func TestPostRetriesOnceOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Refund(context.Background(), "0xfrac"); err != nil {
		t.Fatalf("expected second attempt to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestPostDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "unknown fraction", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Refund(context.Background(), "0xfrac"); !errors.Is(err, ErrSettlement) {
		t.Fatalf("expected settlement error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected single attempt on 4xx, got %d", attempts)
	}
}
