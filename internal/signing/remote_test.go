package signing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/models"
)

func newSignProxy(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemote_Sign(t *testing.T) {
	var gotPayload string
	srv := newSignProxy(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sign" {
			t.Errorf("path = %q, want /sign", r.URL.Path)
		}
		var req struct {
			PayloadB64 string `json:"payload_b64"`
			KeyID      string `json:"key_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotPayload = req.PayloadB64
		if req.KeyID != "key-7" {
			t.Errorf("key id = %q, want key-7", req.KeyID)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"signature_b64": "c2ln",
			"signer_id":     "kms-prod",
		})
	})

	remote, err := NewRemote(RemoteConfig{
		Endpoint: srv.URL,
		KeyID:    "key-7",
		SignerID: "kms-prod",
	})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	digest := []byte("0123456789abcdef0123456789abcdef")
	res, err := remote.Sign(context.Background(), digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if res.Signature != "c2ln" {
		t.Errorf("signature = %q, want c2ln", res.Signature)
	}
	if res.SignerID != "kms-prod" {
		t.Errorf("signer id = %q, want kms-prod", res.SignerID)
	}
	if gotPayload != base64.StdEncoding.EncodeToString(digest) {
		t.Errorf("payload_b64 = %q, want digest base64", gotPayload)
	}
}

func TestRemote_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newSignProxy(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"signature_b64": "c2ln",
			"signer_id":     "kms-prod",
		})
	})

	remote, err := NewRemote(RemoteConfig{Endpoint: srv.URL, SignerID: "kms-prod", Attempts: 3})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	if _, err := remote.Sign(context.Background(), []byte("digest")); err != nil {
		t.Fatalf("Sign after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("proxy called %d times, want 3", got)
	}
}

func TestRemote_ExhaustedRetries(t *testing.T) {
	srv := newSignProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	remote, err := NewRemote(RemoteConfig{Endpoint: srv.URL, SignerID: "kms-prod", Attempts: 2})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	_, err = remote.Sign(context.Background(), []byte("digest"))
	if !errors.Is(err, models.ErrSigningBackendUnavailable) {
		t.Errorf("err = %v, want ErrSigningBackendUnavailable", err)
	}
}

func TestRemote_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newSignProxy(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown key", http.StatusBadRequest)
	})

	remote, err := NewRemote(RemoteConfig{Endpoint: srv.URL, SignerID: "kms-prod", Attempts: 5})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	if _, err := remote.Sign(context.Background(), []byte("digest")); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("proxy called %d times, want 1 (client errors are terminal)", got)
	}
}

func TestRemote_ContextCancellation(t *testing.T) {
	srv := newSignProxy(t, func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a client disconnect (and cancels the
		// request context) once the request body has been consumed.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	remote, err := NewRemote(RemoteConfig{Endpoint: srv.URL, SignerID: "kms-prod", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := remote.Sign(ctx, []byte("digest")); err == nil {
		t.Error("expected error when the context is cancelled")
	}
}

func TestService_StrictNoFallback(t *testing.T) {
	srv := newSignProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	remote, err := NewRemote(RemoteConfig{Endpoint: srv.URL, SignerID: "kms-prod", Attempts: 1})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	svc := NewService(remote, nil, true, log)
	_, err = svc.Sign(context.Background(), []byte("digest"))
	if !errors.Is(err, models.ErrSigningBackendUnavailable) {
		t.Errorf("err = %v, want ErrSigningBackendUnavailable", err)
	}
}

func TestService_FallsBackToLocal(t *testing.T) {
	srv := newSignProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	remote, err := NewRemote(RemoteConfig{Endpoint: srv.URL, SignerID: "kms-prod", Attempts: 1})
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	local, err := NewLocal("kms-prod-fallback")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	svc := NewService(remote, local, false, log)
	res, err := svc.Sign(context.Background(), []byte("digest"))
	if err != nil {
		t.Fatalf("Sign with fallback: %v", err)
	}

	if !res.Fallback {
		t.Error("expected the fallback flag to be set")
	}
	if res.SignerID != "kms-prod-fallback" {
		t.Errorf("signer id = %q, want the fallback identity", res.SignerID)
	}
}
