package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// MoneyRequest: сумма в десятичной записи, как её присылает checkout.
type MoneyRequest struct {
	Amount   string `json:"amount" validate:"required,numeric"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

// PlaceOrderRequest: тело POST /v1/orders.
type PlaceOrderRequest struct {
	OrderID       string       `json:"order_id,omitempty" validate:"omitempty,max=64"`
	BasketID      string       `json:"basket_id" validate:"required,max=64"`
	BuyerEmail    string       `json:"buyer_email" validate:"required,email"`
	BuyerFullName string       `json:"buyer_full_name" validate:"max=256"`
	Total         MoneyRequest `json:"total"`
}

// CancelOrderRequest: необязательное тело POST /v1/orders/:id/cancel.
type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// newValidator возвращает валидатор с проверкой суммы на уровне структуры.
func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(moneyStructValidation, MoneyRequest{})
	return v
}

// moneyStructValidation отклоняет суммы, которые не разбирает domain.ParseMoney.
func moneyStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(MoneyRequest)
	if req.Amount == "" || req.Currency == "" {
		return
	}
	if _, err := domain.ParseMoney(req.Amount, req.Currency); err != nil {
		sl.ReportError(req.Amount, "amount", "Amount", "money", err.Error())
	}
}

// payload переводит запрос в полезную нагрузку команды.
func (r PlaceOrderRequest) payload(orderID string) (domain.PlaceOrderPayload, error) {
	total, err := domain.ParseMoney(r.Total.Amount, r.Total.Currency)
	if err != nil {
		return domain.PlaceOrderPayload{}, err
	}
	return domain.PlaceOrderPayload{
		OrderID:       orderID,
		BasketID:      strings.TrimSpace(r.BasketID),
		BuyerEmail:    strings.TrimSpace(r.BuyerEmail),
		BuyerFullName: strings.TrimSpace(r.BuyerFullName),
		Total:         total,
	}, nil
}

// bindAndValidate разбирает JSON и прогоняет валидатор. При ошибке ответ 400 уже записан.
func bindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_request_body",
			"detail": err.Error(),
		})
		return err
	}
	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	ve, ok := err.(validatorv10.ValidationErrors)
	if !ok {
		out["error"] = err.Error()
		return out
	}
	for _, fe := range ve {
		out[fe.StructNamespace()] = fe.Tag()
	}
	return out
}
