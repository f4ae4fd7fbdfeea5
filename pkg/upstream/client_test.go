package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/resilience"
)

func TestClient_CreateByText(t *testing.T) {
	var got CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, CreateByTextPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"job_id":"4f1c"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	jobID, err := c.CreateByText(context.Background(), CreateRequest{Text: "coffee 4.50", AccountID: 2, UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, "4f1c", jobID)
	assert.Equal(t, CreateRequest{Text: "coffee 4.50", AccountID: 2, UserID: 1}, got)
}

func TestClient_CreateByText_NoJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job_id":""}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).CreateByText(context.Background(), CreateRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrNoJobID)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Transactions(context.Background(), 1)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "expected a StatusError, got %v", err)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, TransactionsPath, statusErr.Path)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestClient_Transactions(t *testing.T) {
	var got ListRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, TransactionsPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`[{"id":1,"name":"Salary","amount":"2500.00","entry_type":"credit","date":"2025-03-01T09:00:00Z"},` +
			`{"id":2,"name":"Coffee","amount":4.5,"entry_type":"debit","date":"2025-03-01T10:00:00Z"}]`))
	}))
	defer srv.Close()

	recs, err := NewClient(srv.URL, nil).Transactions(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)
	require.Len(t, recs, 2)
	assert.Equal(t, ledger.Income, recs[0].Kind)
	assert.Equal(t, "-4.5", recs[1].SignedAmount().String())
}

func TestClient_TransactionsNotAList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detail":"oops"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Transactions(context.Background(), 1)
	assert.True(t, ledger.IsMalformed(err), "expected a malformed payload error, got %v", err)
}

func TestClient_Guard(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	config := resilience.DefaultConfig("upstream")
	config.CircuitBreaker.ReadyToTrip = resilience.ConsecutiveFailures(2)
	c := NewClient(srv.URL, resilience.NewGuard(config))

	for i := 0; i < 2; i++ {
		_, err := c.Transactions(context.Background(), 1)
		var statusErr *StatusError
		assert.True(t, errors.As(err, &statusErr))
	}
	_, err := c.Transactions(context.Background(), 1)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}
