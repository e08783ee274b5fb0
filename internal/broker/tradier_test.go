package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	want := "API error 429: too many requests"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestNewTradierAPIWithBaseURL_DefaultsAndNormalization(t *testing.T) {
	tests := []struct {
		name        string
		sandbox     bool
		baseURL     string
		wantBaseURL string
	}{
		{"sandbox default", true, "", "https://sandbox.tradier.com/v1"},
		{"production default", false, "", "https://api.tradier.com/v1"},
		{"custom trimmed", false, "https://example.test/api/", "https://example.test/api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewTradierAPIWithBaseURL("k", "acc", tt.sandbox, tt.baseURL)
			if api.baseURL != tt.wantBaseURL {
				t.Fatalf("baseURL = %q, want %q", api.baseURL, tt.wantBaseURL)
			}
		})
	}
}

func TestTradierNormalizeDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"day", "day", false},
		{"DAY", "day", false},
		{"  gtc  ", "gtc", false},
		{"good-til-cancelled", "gtc", false},
		{"premarket", "pre", false},
		{"post-market", "post", false},
		{"ioc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeDuration(tt.in)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %q", tt.in)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeDuration(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func newTestAPIWithServer(handler http.HandlerFunc) (*TradierAPI, *httptest.Server) {
	s := httptest.NewServer(handler)
	api := NewTradierAPIWithBaseURL("test-key", "ACC123", false, s.URL)
	// Use server's client directly to ensure proper transport handling
	api = api.WithHTTPClient(s.Client())
	return api, s
}

func TestMakeRequestCtx_SuccessGET(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload{Foo: "bar"})
	})
	defer srv.Close()

	var out payload
	if err := api.makeRequestCtx(context.Background(), http.MethodGet, api.baseURL+"/ok", nil, &out); err != nil {
		t.Fatalf("makeRequestCtx error: %v", err)
	}
	if out.Foo != "bar" {
		t.Fatalf("decoded = %+v, want Foo=bar", out)
	}
}

func TestMakeRequestCtx_Non2xxReturnsAPIError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	defer srv.Close()

	var out map[string]any
	err := api.makeRequestCtx(context.Background(), http.MethodGet, api.baseURL+"/err", nil, &out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || !strings.Contains(apiErr.Body, "retry-after: 5") {
		t.Fatalf("APIError = %+v, want 429 with retry-after", apiErr)
	}
}

func TestGetQuote_SingleAndArrayAndEmpty(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"single", `{"quotes":{"quote":{"symbol":"AAPL","bid":10,"ask":12,"last":11}}}`, false},
		{"array", `{"quotes":{"quote":[{"symbol":"AAPL","bid":10,"ask":12,"last":11}]}}`, false},
		{"empty", `{"quotes":{"quote":[]}}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.URL.RawQuery, "symbols=AAPL") {
					t.Errorf("missing symbols query: %s", r.URL.RawQuery)
				}
				_, _ = w.Write([]byte(tc.body))
			})
			defer srv.Close()

			q, err := api.GetQuote(context.Background(), "AAPL")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.Symbol != "AAPL" || q.Ask != 12 {
				t.Fatalf("quote = %+v", q)
			}
		})
	}
}

func TestGetExpirations(t *testing.T) {
	cases := map[string]struct {
		body string
		want []string
	}{
		"array":  {`{"expirations":{"date":["2025-09-19","2025-10-17"]}}`, []string{"2025-09-19", "2025-10-17"}},
		"single": {`{"expirations":{"date":"2025-09-19"}}`, []string{"2025-09-19"}},
		"null":   {`{"expirations":null}`, nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/markets/options/expirations") {
					t.Errorf("path = %s", r.URL.Path)
				}
				if r.URL.Query().Get("symbol") != "SPY" {
					t.Errorf("symbol = %q", r.URL.Query().Get("symbol"))
				}
				_, _ = w.Write([]byte(tc.body))
			})
			defer srv.Close()

			dates, err := api.GetExpirations(context.Background(), "SPY")
			if err != nil {
				t.Fatalf("GetExpirations error: %v", err)
			}
			if len(dates) != len(tc.want) {
				t.Fatalf("dates = %v, want %v", dates, tc.want)
			}
			for i := range dates {
				if dates[i] != tc.want[i] {
					t.Fatalf("dates = %v, want %v", dates, tc.want)
				}
			}
		})
	}
}

func TestGetOptionChain(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("expiration") != "2025-09-19" || q.Get("greeks") != "false" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"options":{"option":[
			{"symbol":"SPY250919C00450000","option_type":"call","strike":450,"bid":1.1,"ask":1.2},
			{"symbol":"SPY250919P00450000","option_type":"put","strike":450,"bid":2.1,"ask":2.2}
		]}}`))
	})
	defer srv.Close()

	opts, err := api.GetOptionChain(context.Background(), "SPY", "2025-09-19", false)
	if err != nil {
		t.Fatalf("GetOptionChain error: %v", err)
	}
	if len(opts) != 2 || opts[1].OptionType != "put" {
		t.Fatalf("options = %+v", opts)
	}
}

func TestPlaceOrder_OptionLimitBuildsForm(t *testing.T) {
	var form url.Values
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/accounts/ACC123/orders" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"order":{"id":777,"status":"ok"}}`))
	})
	defer srv.Close()

	req := LimitOptionOrder("SPY", "SPY250919C00450000", "buy_to_open", 2, 1.234, "GTC", "abc-123")
	resp, err := api.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if resp.Order.ID != 777 {
		t.Fatalf("order id = %d, want 777", resp.Order.ID)
	}

	want := map[string]string{
		"class":         "option",
		"symbol":        "SPY",
		"option_symbol": "SPY250919C00450000",
		"side":          "buy_to_open",
		"quantity":      "2",
		"type":          "limit",
		"duration":      "gtc",
		"price":         "1.23",
		"tag":           "abc-123",
	}
	for k, v := range want {
		if got := form.Get(k); got != v {
			t.Errorf("form[%s] = %q, want %q", k, got, v)
		}
	}
}

func TestPlaceOrder_EquityOmitsOptionSymbol(t *testing.T) {
	var form url.Values
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"order":{"id":1,"status":"ok"}}`))
	})
	defer srv.Close()

	_, err := api.PlaceOrder(context.Background(), LimitEquityOrder("AAPL", "buy", 10, 190.5, "day", ""))
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if form.Get("class") != "equity" || form.Has("option_symbol") || form.Has("tag") {
		t.Fatalf("form = %v", form)
	}
}

func TestPlaceOrder_ValidationErrors(t *testing.T) {
	called := false
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	defer srv.Close()

	cases := map[string]OrderRequest{
		"zero quantity":   LimitOptionOrder("SPY", "SPY250919C00450000", "buy_to_open", 0, 1, "gtc", ""),
		"zero price":      LimitOptionOrder("SPY", "SPY250919C00450000", "buy_to_open", 1, 0, "gtc", ""),
		"bad osi":         LimitOptionOrder("SPY", "SPY-CALL", "buy_to_open", 1, 1, "gtc", ""),
		"bad duration":    LimitEquityOrder("SPY", "buy", 1, 1, "fok", ""),
		"unknown class":   {Class: "future", Symbol: "ES", Side: "buy", Quantity: 1, Type: "limit", Price: 1, Duration: "day"},
		"missing symbol":  LimitEquityOrder("", "buy", 1, 1, "day", ""),
		"missing osi sym": LimitOptionOrder("SPY", "", "buy_to_open", 1, 1, "gtc", ""),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := api.PlaceOrder(context.Background(), req); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if called {
		t.Fatalf("server should not be called for invalid orders")
	}
}

func TestCancelOrder_UsesDelete(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if r.URL.Path != "/accounts/ACC123/orders/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"order":{"id":42,"status":"ok"}}`))
	})
	defer srv.Close()

	resp, err := api.CancelOrder(context.Background(), 42)
	if err != nil || resp.Order.ID != 42 {
		t.Fatalf("CancelOrder = %+v, %v", resp, err)
	}
}

func TestGetOrders_NullSingleAndArray(t *testing.T) {
	cases := map[string]struct {
		body string
		want int
	}{
		"null string": {`{"orders":"null"}`, 0},
		"single":      {`{"orders":{"order":{"id":1,"status":"filled","tag":"t1"}}}`, 1},
		"array":       {`{"orders":{"order":[{"id":1},{"id":2}]}}`, 2},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			})
			defer srv.Close()

			orders, err := api.GetOrders(context.Background())
			if err != nil {
				t.Fatalf("GetOrders error: %v", err)
			}
			if len(orders) != tc.want {
				t.Fatalf("len(orders) = %d, want %d", len(orders), tc.want)
			}
		})
	}
}

func TestGetOrderStatus_DecodesFill(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/ACC123/orders/9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"order":{"id":9,"status":"filled","quantity":2,"exec_quantity":2,"avg_fill_price":1.25}}`))
	})
	defer srv.Close()

	resp, err := api.GetOrderStatus(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetOrderStatus error: %v", err)
	}
	if resp.Order.Status != "filled" || resp.Order.ExecQuantity != 2 || resp.Order.AvgFillPrice != 1.25 {
		t.Fatalf("order = %+v", resp.Order)
	}
}

func TestGetOrderStatus_ContextCancel(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := api.GetOrderStatus(ctx, 1); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestGetMarketClock(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"clock":{"date":"2025-06-02","state":"premarket","next_state":"open"}}`))
	})
	defer srv.Close()

	clock, err := api.GetMarketClock(context.Background(), false)
	if err != nil {
		t.Fatalf("GetMarketClock error: %v", err)
	}
	if clock.IsOpen() || !clock.IsTradingSession() {
		t.Fatalf("clock state = %s", clock.Clock.State)
	}
}

func TestOptionSymbol(t *testing.T) {
	tests := []struct {
		underlying string
		exp        string
		typ        OptionType
		strike     float64
		want       string
		wantErr    bool
	}{
		{"SPY", "2024-12-20", OptionTypePut, 450, "SPY241220P00450000", false},
		{"spy", "2025-03-21", OptionTypeCall, 512.5, "SPY250321C00512500", false},
		{"AAPL", "2025-01-17", OptionTypeCall, 0.5, "AAPL250117C00000500", false},
		{"SPY", "12/20/2024", OptionTypePut, 450, "", true},
		{"SPY", "2024-12-20", "", 450, "", true},
		{"SPY", "2024-12-20", OptionTypeCall, 0, "", true},
	}
	for _, tt := range tests {
		got, err := OptionSymbol(tt.underlying, tt.exp, tt.typ, tt.strike)
		if tt.wantErr {
			if err == nil {
				t.Errorf("OptionSymbol(%s,%s,%s,%v) expected error", tt.underlying, tt.exp, tt.typ, tt.strike)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("OptionSymbol(%s,%s,%s,%v) = %q, %v; want %q", tt.underlying, tt.exp, tt.typ, tt.strike, got, err, tt.want)
		}
	}
}

func TestExtractUnderlyingFromOSI(t *testing.T) {
	tests := map[string]string{
		"SPY241220P00450000":   "SPY",
		" SPY241220C00450000 ": "SPY",
		"BRKB250117C00400000":  "BRKB",
		"SPY241220X00450000":   "",
		"SPY":                  "",
		"SPY241220P0045000A":   "",
	}
	for in, want := range tests {
		if got := extractUnderlyingFromOSI(in); got != want {
			t.Errorf("extractUnderlyingFromOSI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOptionTypeFromSymbol(t *testing.T) {
	if got := optionTypeFromSymbol("SPY241220P00450000"); got != OptionTypePut {
		t.Errorf("got %q, want put", got)
	}
	if got := optionTypeFromSymbol("SPY241220C00450000"); got != OptionTypeCall {
		t.Errorf("got %q, want call", got)
	}
	if got := optionTypeFromSymbol("not-an-option"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestParseOptionSymbol(t *testing.T) {
	u, exp, typ, strike, err := ParseOptionSymbol("SPY250321C00512500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != "SPY" || exp != "2025-03-21" || typ != OptionTypeCall || strike != 512.5 {
		t.Errorf("got %s %s %s %v", u, exp, typ, strike)
	}

	if _, _, _, _, err := ParseOptionSymbol("SPY"); err == nil {
		t.Error("expected error for short symbol")
	}
	if _, _, _, _, err := ParseOptionSymbol("SPY251341P00450000"); err == nil {
		t.Error("expected error for invalid date")
	}
}
