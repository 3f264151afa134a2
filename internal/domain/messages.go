package domain

import (
	"fmt"
	"strings"
)

// PlaceOrderPayload: содержимое PlaceOrderCommand и OrderPlacedEvent.
type PlaceOrderPayload struct {
	OrderID       string `json:"order_id"`
	BasketID      string `json:"basket_id"`
	BuyerEmail    string `json:"buyer_email"`
	BuyerFullName string `json:"buyer_full_name"`
	Total         Money  `json:"total"`
}

// Validate проверяет обязательные поля команды.
func (p PlaceOrderPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.OrderID) == "":
		return fmt.Errorf("%w: %w", ErrInvalidPayload, ErrOrderIDRequired)
	case strings.TrimSpace(p.BasketID) == "":
		return fmt.Errorf("%w: %w", ErrInvalidPayload, ErrBasketIDRequired)
	case strings.TrimSpace(p.BuyerEmail) == "":
		return fmt.Errorf("%w: %w", ErrInvalidPayload, ErrBuyerEmailRequired)
	}
	if err := p.Total.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// OrderRefPayload: сообщения, ссылающиеся на существующий заказ.
type OrderRefPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// Validate проверяет наличие идентификатора заказа.
func (p OrderRefPayload) Validate() error {
	if strings.TrimSpace(p.OrderID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, ErrOrderIDRequired)
	}
	return nil
}

// FeedbackPayload: отзыв из сервиса рейтингов.
type FeedbackPayload struct {
	FeedbackID string `json:"feedback_id"`
	BookID     string `json:"book_id"`
	Rating     int    `json:"rating"`
}

// Validate проверяет отзыв.
func (p FeedbackPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.FeedbackID) == "":
		return fmt.Errorf("%w: feedback_id is required", ErrInvalidPayload)
	case strings.TrimSpace(p.BookID) == "":
		return fmt.Errorf("%w: book_id is required", ErrInvalidPayload)
	case p.Rating < 0 || p.Rating > 5:
		return fmt.Errorf("%w: rating must be within 0..5", ErrInvalidPayload)
	}
	return nil
}

// BasketDeletedPayload: корзину заказа можно удалить.
type BasketDeletedPayload struct {
	OrderID  string `json:"order_id"`
	BasketID string `json:"basket_id"`
}

// ReserveFundsPayload: запрос резервирования средств.
type ReserveFundsPayload struct {
	OrderID string `json:"order_id"`
	Total   Money  `json:"total"`
}

// NotificationPayload: данные для писем покупателю.
type NotificationPayload struct {
	OrderID       string `json:"order_id"`
	BuyerEmail    string `json:"buyer_email"`
	BuyerFullName string `json:"buyer_full_name"`
	Total         Money  `json:"total"`
	Reason        string `json:"reason,omitempty"`
}

// DeleteOrderPayload: компенсирующая команда удаления заказа.
type DeleteOrderPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// CompensationAlertPayload: операторский алерт.
type CompensationAlertPayload struct {
	OrderID string    `json:"order_id"`
	Stage   SagaStage `json:"stage"`
	Reason  string    `json:"reason"`
}

// RatingChangedPayload: дельта рейтинга для каталога.
type RatingChangedPayload struct {
	BookID       string `json:"book_id"`
	FeedbackID   string `json:"feedback_id"`
	RatingDelta  int    `json:"rating_delta"`
	ReviewsDelta int    `json:"reviews_delta"`
}
