package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func unusedProxy(name string) *ServiceProxy {
	return NewServiceProxy(name, "http://unused", http.DefaultClient)
}

func downProxy(name string) *ServiceProxy {
	return NewServiceProxy(name, "http://localhost:99999", &http.Client{})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assertBadGateway(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != "service unavailable" {
		t.Errorf("expected 'service unavailable', got %s", resp["error"])
	}
}

func TestHandler_HandleOrders(t *testing.T) {
	t.Run("proxies GET /orders", func(t *testing.T) {
		ordersServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/orders" {
				t.Errorf("expected /orders, got %s", r.URL.Path)
			}
			if r.Method != http.MethodGet {
				t.Errorf("expected GET, got %s", r.Method)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"1"}]`))
		}))
		defer ordersServer.Close()

		handler := NewHandler(
			NewServiceProxy("orders", ordersServer.URL, ordersServer.Client()),
			unusedProxy("payments"),
			unusedProxy("inventory"),
			discardLogger(),
		)

		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		rec := httptest.NewRecorder()

		handler.HandleOrders(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Errorf("expected application/json, got %s", rec.Header().Get("Content-Type"))
		}
		if rec.Body.String() != `[{"id":"1"}]` {
			t.Errorf("unexpected body: %s", rec.Body.String())
		}
	})

	t.Run("proxies POST /orders with body", func(t *testing.T) {
		ordersServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"customerId":"123","total":100}` {
				t.Errorf("unexpected body: %s", body)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"new-id","status":"PENDING"}`))
		}))
		defer ordersServer.Close()

		handler := NewHandler(
			NewServiceProxy("orders", ordersServer.URL, ordersServer.Client()),
			unusedProxy("payments"),
			unusedProxy("inventory"),
			discardLogger(),
		)

		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"customerId":"123","total":100}`))
		rec := httptest.NewRecorder()

		handler.HandleOrders(rec, req)

		if rec.Code != http.StatusCreated {
			t.Errorf("expected status 201, got %d", rec.Code)
		}
	})

	t.Run("returns 502 when orders service unavailable", func(t *testing.T) {
		handler := NewHandler(downProxy("orders"), unusedProxy("payments"), unusedProxy("inventory"), discardLogger())

		rec := httptest.NewRecorder()
		handler.HandleOrders(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))

		assertBadGateway(t, rec)
	})
}

func TestHandler_HandlePayments(t *testing.T) {
	t.Run("proxies payment lookup by order", func(t *testing.T) {
		paymentsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/payments" || r.URL.RawQuery != "orderId=O1" {
				t.Errorf("unexpected upstream url %s", r.URL)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
		}))
		defer paymentsServer.Close()

		handler := NewHandler(
			unusedProxy("orders"),
			NewServiceProxy("payments", paymentsServer.URL, paymentsServer.Client()),
			unusedProxy("inventory"),
			discardLogger(),
		)

		rec := httptest.NewRecorder()
		handler.HandlePayments(rec, httptest.NewRequest(http.MethodGet, "/payments?orderId=O1", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("returns 502 when payments service unavailable", func(t *testing.T) {
		handler := NewHandler(unusedProxy("orders"), downProxy("payments"), unusedProxy("inventory"), discardLogger())

		rec := httptest.NewRecorder()
		handler.HandlePayments(rec, httptest.NewRequest(http.MethodGet, "/payments/P1", nil))

		assertBadGateway(t, rec)
	})
}

func TestHandler_HandleInventory(t *testing.T) {
	t.Run("strips /inventory prefix and forwards to inventory service", func(t *testing.T) {
		inventoryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/reservations/cancelled" {
				t.Errorf("expected /reservations/cancelled, got %s", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"orderId":"O1"}]`))
		}))
		defer inventoryServer.Close()

		handler := NewHandler(
			unusedProxy("orders"),
			unusedProxy("payments"),
			NewServiceProxy("inventory", inventoryServer.URL, inventoryServer.Client()),
			discardLogger(),
		)

		req := httptest.NewRequest(http.MethodGet, "/inventory/reservations/cancelled", nil)
		rec := httptest.NewRecorder()

		handler.HandleInventory(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("preserves downstream error status", func(t *testing.T) {
		inventoryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}))
		defer inventoryServer.Close()

		handler := NewHandler(
			unusedProxy("orders"),
			unusedProxy("payments"),
			NewServiceProxy("inventory", inventoryServer.URL, inventoryServer.Client()),
			discardLogger(),
		)

		rec := httptest.NewRecorder()
		handler.HandleInventory(rec, httptest.NewRequest(http.MethodGet, "/inventory/unknown", nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})

	t.Run("returns 502 when inventory service unavailable", func(t *testing.T) {
		handler := NewHandler(unusedProxy("orders"), unusedProxy("payments"), downProxy("inventory"), discardLogger())

		rec := httptest.NewRecorder()
		handler.HandleInventory(rec, httptest.NewRequest(http.MethodGet, "/inventory/reservations/cancelled", nil))

		assertBadGateway(t, rec)
	})
}
