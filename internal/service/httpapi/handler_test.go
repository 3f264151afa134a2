package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
	"github.com/vladislavdragonenkov/ordersaga/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubProcessor struct {
	mu     sync.Mutex
	result saga.Result
	seen   []domain.Envelope
}

func (p *stubProcessor) Process(_ context.Context, env domain.Envelope) saga.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, env)
	return p.result
}

func (p *stubProcessor) last(t *testing.T) domain.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.seen, "processor was not called")
	return p.seen[len(p.seen)-1]
}

type stubReader struct {
	state domain.SagaState
	err   error
}

func (r stubReader) Get(_ context.Context, orderID string) (domain.SagaState, error) {
	if r.err != nil {
		return domain.SagaState{}, r.err
	}
	if orderID != r.state.OrderID {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	return r.state, nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(p Processor, r Reader) *gin.Engine {
	h := NewHandler(p, r, WithClock(domain.ClockFunc(func() time.Time { return fixedNow })))
	return NewRouter(h)
}

func do(t *testing.T, router http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

const placeBody = `{"order_id":"o-1","basket_id":"b-1","buyer_email":"ann@example.com","buyer_full_name":"Ann","total":{"amount":"42.00","currency":"usd"}}`

func TestPlaceOrderAccepted(t *testing.T) {
	p := &stubProcessor{result: saga.Result{
		Kind:    domain.ResultApplied,
		Outcome: domain.Outcome{Kind: domain.ResultApplied, CorrelationID: "o-1", Stage: domain.SagaStageSubmitted, Version: 1},
	}}
	router := newTestRouter(p, stubReader{})

	rec := do(t, router, http.MethodPost, "/v1/orders", "k1", placeBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "o-1", resp.OrderID)
	require.Equal(t, domain.ResultApplied, resp.Result)
	require.Equal(t, domain.SagaStageSubmitted, resp.Stage)
	require.EqualValues(t, 1, resp.Version)
	require.False(t, resp.Replayed)
	require.Empty(t, rec.Header().Get(HeaderReplayed))

	env := p.last(t)
	require.Equal(t, domain.KindPlaceOrder, env.Kind)
	require.Equal(t, "o-1", env.CorrelationID)
	require.Equal(t, "k1", env.IdempotencyKey)
	require.Equal(t, fixedNow, env.OccurredAt)

	var payload domain.PlaceOrderPayload
	require.NoError(t, env.DecodePayload(&payload))
	require.Equal(t, domain.Money{AmountMinor: 4200, Currency: "USD"}, payload.Total)
	require.Equal(t, "ann@example.com", payload.BuyerEmail)
}

func TestPlaceOrderDerivesStableOrderID(t *testing.T) {
	p := &stubProcessor{result: saga.Result{Kind: domain.ResultApplied}}
	router := newTestRouter(p, stubReader{})
	body := `{"basket_id":"b-1","buyer_email":"ann@example.com","total":{"amount":"10","currency":"EUR"}}`

	first := do(t, router, http.MethodPost, "/v1/orders", "same-key", body)
	second := do(t, router, http.MethodPost, "/v1/orders", "same-key", body)
	other := do(t, router, http.MethodPost, "/v1/orders", "other-key", body)
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)
	require.Equal(t, http.StatusAccepted, other.Code)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.seen, 3)
	require.NotEmpty(t, p.seen[0].CorrelationID)
	require.Equal(t, p.seen[0].CorrelationID, p.seen[1].CorrelationID)
	require.NotEqual(t, p.seen[0].CorrelationID, p.seen[2].CorrelationID)

	h0, err := p.seen[0].RequestHash()
	require.NoError(t, err)
	h1, err := p.seen[1].RequestHash()
	require.NoError(t, err)
	require.Equal(t, h0, h1)
}

func TestPlaceOrderRequiresIdempotencyKey(t *testing.T) {
	p := &stubProcessor{}
	rec := do(t, newTestRouter(p, stubReader{}), http.MethodPost, "/v1/orders", "", placeBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "missing_idempotency_key")
	require.Empty(t, p.seen)
}

func TestPlaceOrderValidation(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{name: "broken json", body: `{"basket_id":`, field: "invalid_request_body"},
		{name: "missing basket", body: `{"buyer_email":"a@b.c","total":{"amount":"1.00","currency":"USD"}}`, field: "PlaceOrderRequest.BasketID"},
		{name: "bad email", body: `{"basket_id":"b","buyer_email":"nope","total":{"amount":"1.00","currency":"USD"}}`, field: "PlaceOrderRequest.BuyerEmail"},
		{name: "currency length", body: `{"basket_id":"b","buyer_email":"a@b.c","total":{"amount":"1.00","currency":"US"}}`, field: "PlaceOrderRequest.Total.Currency"},
		{name: "three decimals", body: `{"basket_id":"b","buyer_email":"a@b.c","total":{"amount":"1.005","currency":"USD"}}`, field: "PlaceOrderRequest.Total.Amount"},
		{name: "negative", body: `{"basket_id":"b","buyer_email":"a@b.c","total":{"amount":"-1","currency":"USD"}}`, field: "PlaceOrderRequest.Total.Amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &stubProcessor{}
			rec := do(t, newTestRouter(p, stubReader{}), http.MethodPost, "/v1/orders", "k", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.field)
			require.Empty(t, p.seen)
		})
	}
}

func TestCommandStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		result     saga.Result
		wantStatus int
		replayed   bool
		retryAfter bool
	}{
		{name: "applied", result: saga.Result{Kind: domain.ResultApplied}, wantStatus: http.StatusAccepted},
		{name: "duplicate", result: saga.Result{Kind: domain.ResultDuplicateDelivery, Replayed: true}, wantStatus: http.StatusOK, replayed: true},
		{name: "replayed not found", result: saga.Result{Kind: domain.ResultDuplicateDelivery, Outcome: domain.Outcome{Kind: domain.ResultNotFound}, Replayed: true}, wantStatus: http.StatusNotFound, replayed: true},
		{name: "replayed invalid transition", result: saga.Result{Kind: domain.ResultDuplicateDelivery, Outcome: domain.Outcome{Kind: domain.ResultInvalidTransition}, Replayed: true}, wantStatus: http.StatusConflict, replayed: true},
		{name: "replayed invalid message", result: saga.Result{Kind: domain.ResultDuplicateDelivery, Outcome: domain.Outcome{Kind: domain.ResultInvalidMessage}, Replayed: true}, wantStatus: http.StatusBadRequest, replayed: true},
		{name: "replayed compensation", result: saga.Result{Kind: domain.ResultDuplicateDelivery, Outcome: domain.Outcome{Kind: domain.ResultCompensationFailure}, Replayed: true}, wantStatus: http.StatusInternalServerError, replayed: true},
		{name: "not found", result: saga.Result{Kind: domain.ResultNotFound, Err: domain.ErrSagaNotFound}, wantStatus: http.StatusNotFound},
		{name: "invalid transition", result: saga.Result{Kind: domain.ResultInvalidTransition, Err: domain.ErrInvalidSagaTransition}, wantStatus: http.StatusConflict},
		{name: "conflict", result: saga.Result{Kind: domain.ResultConcurrencyConflict, Err: domain.ErrSagaVersionConflict}, wantStatus: http.StatusConflict, retryAfter: true},
		{name: "key reused", result: saga.Result{Kind: domain.ResultInvalidMessage, Err: fmt.Errorf("claim: %w", domain.ErrIdempotencyHashMismatch)}, wantStatus: http.StatusUnprocessableEntity},
		{name: "invalid message", result: saga.Result{Kind: domain.ResultInvalidMessage, Err: domain.ErrInvalidPayload}, wantStatus: http.StatusBadRequest},
		{name: "transport", result: saga.Result{Kind: domain.ResultTransportUnavailable, Err: domain.ErrTransportUnavailable}, wantStatus: http.StatusServiceUnavailable, retryAfter: true},
		{name: "compensation", result: saga.Result{Kind: domain.ResultCompensationFailure, Err: domain.ErrCompensationFailed}, wantStatus: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &stubProcessor{result: tc.result}
			rec := do(t, newTestRouter(p, stubReader{}), http.MethodPost, "/v1/orders/o-1/complete", "k", "")
			require.Equal(t, tc.wantStatus, rec.Code)
			require.Equal(t, tc.replayed, rec.Header().Get(HeaderReplayed) == "true")
			require.Equal(t, tc.retryAfter, rec.Header().Get("Retry-After") != "")

			var resp OrderResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tc.result.Kind, resp.Result)
			if tc.result.Err != nil {
				require.Equal(t, tc.result.Err.Error(), resp.Detail)
			}
		})
	}
}

func TestCompleteAndCancelBuildCommands(t *testing.T) {
	p := &stubProcessor{result: saga.Result{Kind: domain.ResultApplied}}
	router := newTestRouter(p, stubReader{})

	rec := do(t, router, http.MethodPost, "/v1/orders/o-7/complete", "k-complete", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	env := p.last(t)
	require.Equal(t, domain.KindCompleteOrder, env.Kind)
	require.Equal(t, "o-7", env.CorrelationID)

	rec = do(t, router, http.MethodPost, "/v1/orders/o-7/cancel", "k-cancel", `{"reason":" out of stock "}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env = p.last(t)
	require.Equal(t, domain.KindCancelOrder, env.Kind)
	var ref domain.OrderRefPayload
	require.NoError(t, env.DecodePayload(&ref))
	require.Equal(t, domain.OrderRefPayload{OrderID: "o-7", Reason: "out of stock"}, ref)

	rec = do(t, router, http.MethodPost, "/v1/orders/o-8/cancel", "k-cancel-2", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, p.last(t).DecodePayload(&ref))
	require.Equal(t, domain.OrderRefPayload{OrderID: "o-8"}, ref)
}

func TestCancelRejectsLongReason(t *testing.T) {
	p := &stubProcessor{}
	body := fmt.Sprintf(`{"reason":%q}`, strings.Repeat("x", 600))
	rec := do(t, newTestRouter(p, stubReader{}), http.MethodPost, "/v1/orders/o-1/cancel", "k", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, p.seen)
}

func TestGetOrder(t *testing.T) {
	state := domain.SagaState{
		OrderID:    "o-1",
		BasketID:   "b-1",
		BuyerEmail: "ann@example.com",
		Total:      domain.Money{AmountMinor: 4200, Currency: "USD"},
		Stage:      domain.SagaStageAwaitingFulfillment,
		Version:    2,
		CreatedAt:  fixedNow,
		UpdatedAt:  fixedNow.Add(time.Minute),
	}
	router := newTestRouter(&stubProcessor{}, stubReader{state: state})

	rec := do(t, router, http.MethodGet, "/v1/orders/o-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "42.00", resp.Total)
	require.Equal(t, "USD", resp.Currency)
	require.Equal(t, domain.SagaStageAwaitingFulfillment, resp.Stage)
	require.EqualValues(t, 2, resp.Version)

	rec = do(t, router, http.MethodGet, "/v1/orders/missing", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrderStorageFailure(t *testing.T) {
	router := newTestRouter(&stubProcessor{}, stubReader{err: errors.New("connection refused")})
	rec := do(t, router, http.MethodGet, "/v1/orders/o-1", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

type orchestratorProcessor struct {
	saga.Orchestrator
}

func (p orchestratorProcessor) Process(ctx context.Context, env domain.Envelope) saga.Result {
	return p.Handle(ctx, env)
}

func TestReplayedCommandKeepsOriginalStatus(t *testing.T) {
	store := memory.NewStore()
	keys := idempotency.NewStore(store.Idempotency())
	orch := saga.NewOrchestrator(store.Sagas(), keys, outbox.NewDispatcher(store.Outbox(), nil))
	router := newTestRouter(orchestratorProcessor{orch}, store.Sagas())

	first := do(t, router, http.MethodPost, "/v1/orders/O2/cancel", "cancel-O2", "")
	require.Equal(t, http.StatusNotFound, first.Code)
	require.Empty(t, first.Header().Get(HeaderReplayed))

	second := do(t, router, http.MethodPost, "/v1/orders/O2/cancel", "cancel-O2", "")
	require.Equal(t, http.StatusNotFound, second.Code)
	require.Equal(t, "true", second.Header().Get(HeaderReplayed))

	var resp OrderResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.True(t, resp.Replayed)
	require.Equal(t, domain.ResultDuplicateDelivery, resp.Result)
}
