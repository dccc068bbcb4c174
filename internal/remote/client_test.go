package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, StaticToken("tok"), 5*time.Second), srv
}

func TestFetchCategory(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/tipos-documento" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"ok":true,"tiposDocumento":[{"id":"nf"},{"id":"rc"}]}`)
	})

	rows, err := c.FetchCategory(context.Background(), CategoryDocumentTypes)
	if err != nil {
		t.Fatalf("FetchCategory: %v", err)
	}
	if len(rows) != 2 || string(rows[0]) != `{"id":"nf"}` {
		t.Errorf("rows = %s", rows)
	}
}

func TestFetchCategory_EmptyArray(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"roteiro":[]}`)
	})

	rows, err := c.FetchCategory(context.Background(), CategoryRoute)
	if err != nil {
		t.Fatalf("FetchCategory: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("rows = %v, want empty non-nil", rows)
	}
}

func TestFetchCategory_Malformed(t *testing.T) {
	cases := map[string]string{
		"no ok":         `{"clientes":[]}`,
		"ok false":      `{"ok":false,"clientes":[]}`,
		"missing field": `{"ok":true}`,
		"not array":     `{"ok":true,"clientes":{"a":1}}`,
		"null":          `{"ok":true,"clientes":null}`,
		"not json":      `<html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
			_, err := c.FetchCategory(context.Background(), CategoryCustomers)
			if err == nil {
				t.Fatal("expected error")
			}
			var rej *RejectedError
			if !errors.Is(err, ErrMalformed) && !errors.As(err, &rej) {
				t.Errorf("error = %v, want malformed or rejected", err)
			}
		})
	}
}

func TestNoTokenMakesNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, StaticToken(""), time.Second)
	_, err := c.FetchCategory(context.Background(), CategoryRoute)
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("error = %v, want ErrNoToken", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server contacted %d times without a token", hits.Load())
	}
	if c.HasToken(context.Background()) {
		t.Error("HasToken should be false")
	}
}

func TestUnauthorized(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			fmt.Fprint(w, `{"ok":false,"message":"token expirado"}`)
		})
		_, err := c.SendEntry(context.Background(), PathSession, map[string]any{"localId": 1})
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("HTTP %d: error = %v, want ErrUnauthorized", code, err)
		}
	}
}

func TestTransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, StaticToken("tok"), time.Second)
	_, err := c.SendEntry(context.Background(), PathRecord, map[string]any{})
	if !errors.Is(err, ErrUnreachable) || !IsConnectivity(err) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestOfflineAnswerIsUnreachable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"ok":false,"offline":true,"retryLater":true,"message":"offline"}`)
	})
	_, err := c.FetchCategory(context.Background(), CategoryRoute)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestSendEntry_Rejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"message":"dup"}`)
	})

	_, err := c.SendEntry(context.Background(), PathSession, map[string]any{"localId": 1})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want *RejectedError", err)
	}
	if rej.Message != "dup" || err.Error() != "dup" {
		t.Errorf("message = %q", rej.Message)
	}
}

func TestSendEntry_Accepted(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sync/foto" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"localId":3}` {
			t.Errorf("body = %s", body)
		}
		fmt.Fprint(w, `{"ok":true,"message":"salvo","id":99}`)
	})

	ack, err := c.SendEntry(context.Background(), PathPhoto, map[string]any{"localId": 3})
	if err != nil {
		t.Fatalf("SendEntry: %v", err)
	}
	if ack.Message != "salvo" {
		t.Errorf("ack message = %q", ack.Message)
	}
	var raw map[string]any
	json.Unmarshal(ack.Raw, &raw)
	if raw["id"] != float64(99) {
		t.Errorf("ack raw = %s", ack.Raw)
	}
}

func TestSendRoutes_Batch(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Rotas []map[string]any `json:"rotas"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Rotas) != 2 {
			t.Errorf("batch size = %d", len(req.Rotas))
		}
		fmt.Fprint(w, `{"ok":true}`)
	})

	_, err := c.SendRoutes(context.Background(), []map[string]any{{"lat": 1}, {"lat": 2}})
	if err != nil {
		t.Fatalf("SendRoutes: %v", err)
	}
}

func TestRegisterSync(t *testing.T) {
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["tipo"] != KindDownload || req["dispositivo"] != "dev-1" || req["timestamp"] != "2026-04-01T12:00:00.000Z" {
			t.Errorf("register body = %v", req)
		}
		fmt.Fprint(w, `{"ok":true}`)
	})

	if err := c.RegisterSync(context.Background(), KindDownload, at, "dev-1"); err != nil {
		t.Fatalf("RegisterSync: %v", err)
	}
}

func TestForcedFlags(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"forcarDownload":true,"forcarUpload":false}`)
	})

	f, err := c.ForcedFlags(context.Background())
	if err != nil {
		t.Fatalf("ForcedFlags: %v", err)
	}
	if !f.Download || f.Upload {
		t.Errorf("flags = %+v", f)
	}
}

func TestValidateTime(t *testing.T) {
	cases := []struct {
		body  string
		valid bool
	}{
		{`{"ok":true,"valido":true}`, true},
		{`{"ok":true,"valido":false}`, false},
		{`{"ok":false,"valido":false,"message":"fora da janela"}`, false},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["tipoOperacao"] != "checkout" {
				t.Errorf("tipoOperacao = %q", req["tipoOperacao"])
			}
			fmt.Fprint(w, tc.body)
		})
		v, err := c.ValidateTime(context.Background(), "checkout", time.Now())
		if err != nil {
			t.Fatalf("%s: ValidateTime: %v", tc.body, err)
		}
		if v.Valid != tc.valid {
			t.Errorf("%s: valid = %v, want %v", tc.body, v.Valid, tc.valid)
		}
	}
}

func TestTokenFuncCalledPerRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, TokenFunc(func(context.Context) (string, error) {
		calls.Add(1)
		return "t", nil
	}), time.Second)
	c.ClearForced(context.Background(), KindUpload)
	c.ClearForced(context.Background(), KindDownload)
	if calls.Load() != 2 {
		t.Errorf("token source called %d times, want 2", calls.Load())
	}
}
