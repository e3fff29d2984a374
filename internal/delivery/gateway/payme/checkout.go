// internal/delivery/gateway/payme/checkout.go
package payme

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

const defaultCheckoutURL = "https://checkout.paycom.uz"

// CheckoutURL строит ссылку на оплату заказа в Payme
func (h *Handler) CheckoutURL(tx *models.Transaction) (string, error) {
	if h.config.MerchantID == "" {
		return "", errors.New("не задан PAYME_MERCHANT_ID")
	}
	base := h.config.CheckoutURL
	if base == "" {
		base = defaultCheckoutURL
	}
	params := fmt.Sprintf("m=%s;ac.order_id=%s;a=%d", h.config.MerchantID, tx.OrderID, tx.Amount)
	return strings.TrimRight(base, "/") + "/" + base64.StdEncoding.EncodeToString([]byte(params)), nil
}
