// internal/delivery/gateway/click/protocol.go
package click

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Действия SHOP-API
const (
	ActionPrepare  = 0
	ActionComplete = 1
)

// Коды ошибок Click
const (
	ErrSuccess         = 0
	ErrSignCheck       = -1
	ErrIncorrectAmount = -2
	ErrActionNotFound  = -3
	ErrAlreadyPaid     = -4
	ErrOrderNotFound   = -5
	ErrTxNotFound      = -6
	ErrUpdateFailed    = -7
	ErrBadRequest      = -8
	ErrTxCancelled     = -9
)

var errorNotes = map[int]string{
	ErrSuccess:         "Success",
	ErrSignCheck:       "SIGN CHECK FAILED!",
	ErrIncorrectAmount: "Incorrect parameter amount",
	ErrActionNotFound:  "Action not found",
	ErrAlreadyPaid:     "Already paid",
	ErrOrderNotFound:   "User does not exist",
	ErrTxNotFound:      "Transaction does not exist",
	ErrUpdateFailed:    "Failed to update user",
	ErrBadRequest:      "Error in request from click",
	ErrTxCancelled:     "Transaction cancelled",
}

// Request - форма запроса Prepare/Complete
type Request struct {
	ClickTransID      string `validate:"required,numeric"`
	ServiceID         string `validate:"required"`
	ClickPaydocID     string
	MerchantTransID   string `validate:"required"`
	MerchantPrepareID string `validate:"required_if=Action 1"`
	Amount            string `validate:"required,numeric"`
	Action            int    `validate:"oneof=0 1"`
	Error             int
	ErrorNote         string
	SignTime          string `validate:"required"`
	SignString        string `validate:"required,len=32,hexadecimal"`
}

// Response - ответ мерчанта
type Response struct {
	ClickTransID      int64  `json:"click_trans_id"`
	MerchantTransID   string `json:"merchant_trans_id"`
	MerchantPrepareID int64  `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID int64  `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// Sign считает подпись запроса:
// md5(click_trans_id + service_id + secret + merchant_trans_id [+ merchant_prepare_id] + amount + action + sign_time)
func Sign(req Request, secret string) string {
	var b strings.Builder
	b.WriteString(req.ClickTransID)
	b.WriteString(req.ServiceID)
	b.WriteString(secret)
	b.WriteString(req.MerchantTransID)
	if req.Action == ActionComplete {
		b.WriteString(req.MerchantPrepareID)
	}
	b.WriteString(req.Amount)
	b.WriteString(strconv.Itoa(req.Action))
	b.WriteString(req.SignTime)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// toTiyin переводит сумму Click (сумы, до двух знаков) в тийины
func toTiyin(amount string) (int64, error) {
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("некорректная сумма %q", amount)
	}
	return int64(math.Round(v * 100)), nil
}

// fromTiyin - сумма для ссылки на оплату
func fromTiyin(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

// signTimeMillis разбирает sign_time ("2006-01-02 15:04:05", время Ташкента)
func signTimeMillis(signTime string) int64 {
	loc := time.FixedZone("UZT", 5*60*60)
	t, err := time.ParseInLocation("2006-01-02 15:04:05", signTime, loc)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
