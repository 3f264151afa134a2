package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
)

const (
	// HeaderIdempotencyKey: обязательный заголовок команд.
	HeaderIdempotencyKey = "X-Idempotency-Key"
	// HeaderReplayed выставляется, когда ответ воспроизведён из сохранённого исхода.
	HeaderReplayed = "Idempotent-Replayed"

	retryAfterSeconds = "1"
)

// orderNamespace: пространство имён для выведения order id из ключа идемпотентности.
var orderNamespace = uuid.MustParse("6f1c8e52-3f0a-4d8e-9a51-0c2b7d4e6a10")

// Processor обрабатывает команду и возвращает её исход (реализуется saga.Pool).
type Processor interface {
	Process(ctx context.Context, env domain.Envelope) saga.Result
}

// Reader читает состояние саги.
type Reader interface {
	Get(ctx context.Context, orderID string) (domain.SagaState, error)
}

// Handler: HTTP-вход для команд саги заказа.
type Handler struct {
	processor Processor
	reader    Reader
	validate  *validatorv10.Validate
	clock     domain.Clock
	logger    *log.Entry
}

// Option настраивает Handler.
type Option func(*Handler)

// WithClock подменяет часы (для тестов).
func WithClock(clock domain.Clock) Option {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler создаёт обработчик HTTP-команд.
func NewHandler(processor Processor, reader Reader, opts ...Option) *Handler {
	h := &Handler{
		processor: processor,
		reader:    reader,
		validate:  newValidator(),
		clock:     domain.SystemClock(),
		logger:    log.WithField("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register регистрирует маршруты /v1/orders.
func (h *Handler) Register(r gin.IRouter) {
	orders := r.Group("/v1/orders")
	orders.POST("", h.placeOrder)
	orders.GET("/:id", h.getOrder)
	orders.POST("/:id/complete", h.completeOrder)
	orders.POST("/:id/cancel", h.cancelOrder)
}

// NewRouter собирает gin.Engine с recovery и журналом запросов.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	h.Register(r)
	return r
}

// OrderResponse: ответ на команду.
type OrderResponse struct {
	OrderID  string            `json:"order_id"`
	Result   domain.ResultKind `json:"result"`
	Stage    domain.SagaStage  `json:"stage,omitempty"`
	Version  int64             `json:"version,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	Replayed bool              `json:"replayed"`
}

// StateResponse: представление состояния саги.
type StateResponse struct {
	OrderID       string           `json:"order_id"`
	BasketID      string           `json:"basket_id"`
	BuyerEmail    string           `json:"buyer_email"`
	BuyerFullName string           `json:"buyer_full_name,omitempty"`
	Total         string           `json:"total"`
	Currency      string           `json:"currency"`
	Stage         domain.SagaStage `json:"stage"`
	Version       int64            `json:"version"`
	CancelReason  string           `json:"cancel_reason,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (h *Handler) placeOrder(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req PlaceOrderRequest
	if err := bindAndValidate(c, &req, h.validate); err != nil {
		return
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		// Повтор с тем же ключом должен получить тот же заказ и тот же хэш запроса.
		orderID = uuid.NewSHA1(orderNamespace, []byte(key)).String()
	}
	payload, err := req.payload(orderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "detail": err.Error()})
		return
	}
	h.dispatch(c, domain.KindPlaceOrder, orderID, key, payload)
}

func (h *Handler) completeOrder(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(c.Param("id"))
	h.dispatch(c, domain.KindCompleteOrder, orderID, key, domain.OrderRefPayload{OrderID: orderID})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req CancelOrderRequest
	if c.Request.ContentLength != 0 {
		if err := bindAndValidate(c, &req, h.validate); err != nil {
			return
		}
	}
	orderID := strings.TrimSpace(c.Param("id"))
	payload := domain.OrderRefPayload{OrderID: orderID, Reason: strings.TrimSpace(req.Reason)}
	h.dispatch(c, domain.KindCancelOrder, orderID, key, payload)
}

func (h *Handler) getOrder(c *gin.Context) {
	state, err := h.reader.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	switch {
	case err == nil:
	case domain.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": string(domain.ResultNotFound)})
		return
	default:
		h.logger.WithError(err).WithField("order_id", c.Param("id")).Warn("не удалось прочитать состояние саги")
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(domain.ResultTransportUnavailable)})
		return
	}
	c.JSON(http.StatusOK, StateResponse{
		OrderID:       state.OrderID,
		BasketID:      state.BasketID,
		BuyerEmail:    state.BuyerEmail,
		BuyerFullName: state.BuyerFullName,
		Total:         state.Total.Decimal(),
		Currency:      state.Total.Currency,
		Stage:         state.Stage,
		Version:       state.Version,
		CancelReason:  state.CancelReason,
		FailureReason: state.FailureReason,
		CreatedAt:     state.CreatedAt,
		UpdatedAt:     state.UpdatedAt,
	})
}

func (h *Handler) dispatch(c *gin.Context, kind domain.MessageKind, orderID, key string, payload any) {
	env, err := domain.NewEnvelope(kind, orderID, key, payload, h.clock)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(domain.ResultInvalidMessage), "detail": err.Error()})
		return
	}

	res := h.processor.Process(c.Request.Context(), env)
	status := statusFor(res)
	if res.Replayed {
		c.Header(HeaderReplayed, "true")
	}
	if status == http.StatusServiceUnavailable || res.Kind == domain.ResultConcurrencyConflict {
		c.Header("Retry-After", retryAfterSeconds)
	}

	body := OrderResponse{
		OrderID:  orderID,
		Result:   res.Kind,
		Stage:    res.Outcome.Stage,
		Version:  res.Outcome.Version,
		Detail:   res.Outcome.Detail,
		Replayed: res.Replayed,
	}
	if body.Detail == "" && res.Err != nil {
		body.Detail = res.Err.Error()
	}
	c.JSON(status, body)
}

// statusFor сопоставляет исход обработки с HTTP-кодом.
func statusFor(res saga.Result) int {
	if res.Replayed {
		return replayStatus(res.Outcome.Kind)
	}
	switch res.Kind {
	case domain.ResultApplied:
		return http.StatusAccepted
	case domain.ResultDuplicateDelivery:
		return http.StatusOK
	case domain.ResultNotFound:
		return http.StatusNotFound
	case domain.ResultInvalidTransition, domain.ResultConcurrencyConflict:
		return http.StatusConflict
	case domain.ResultInvalidMessage:
		if errors.Is(res.Err, domain.ErrIdempotencyHashMismatch) || errors.Is(res.Err, domain.ErrIdempotencyOutcomeConflict) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case domain.ResultTransportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// replayStatus повторяет статус исходного ответа по записанному исходу ключа.
func replayStatus(kind domain.ResultKind) int {
	switch kind {
	case "", domain.ResultApplied, domain.ResultDuplicateDelivery:
		return http.StatusOK
	case domain.ResultNotFound:
		return http.StatusNotFound
	case domain.ResultInvalidTransition, domain.ResultConcurrencyConflict:
		return http.StatusConflict
	case domain.ResultInvalidMessage:
		return http.StatusBadRequest
	case domain.ResultTransportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func idempotencyKey(c *gin.Context) (string, bool) {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return "", false
	}
	return key, true
}

// requestLogger пишет один structured-лог на запрос.
func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if key := c.GetHeader(HeaderIdempotencyKey); key != "" {
			entry = entry.WithField("idempotency_key", key)
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Warnf("http %d", c.Writer.Status())
		default:
			entry.Debug("http request")
		}
	}
}
