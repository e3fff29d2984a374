// internal/core/domain/payment/reconciler.go
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	payment_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/payment"
	plan_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/plan"
	"course-funnel-bot/pkg/logger"
)

// Dependencies зависимости сверщика платежей
type Dependencies struct {
	Transactions payment_repo.TransactionRepository
	Plans        plan_repo.PlanRepository
	Fulfiller    Fulfiller
	Checkouts    map[string]CheckoutLinker // шлюз -> построитель ссылки
	Timeouts     map[string]time.Duration  // шлюз -> время жизни pending
	Now          func() time.Time
}

// Reconciler - единая машина состояний транзакции для всех шлюзов.
// Каждый переход - условный UPDATE по сохранённому состоянию.
type Reconciler struct {
	txs       payment_repo.TransactionRepository
	plans     plan_repo.PlanRepository
	fulfiller Fulfiller
	checkouts map[string]CheckoutLinker
	timeouts  map[string]time.Duration
	now       func() time.Time
}

// NewReconciler создает сверщик платежей
func NewReconciler(deps Dependencies) (*Reconciler, error) {
	if deps.Transactions == nil || deps.Plans == nil {
		return nil, fmt.Errorf("репозитории транзакций и тарифов обязательны")
	}
	if deps.Fulfiller == nil {
		return nil, fmt.Errorf("Fulfiller обязателен")
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	checkouts := deps.Checkouts
	if checkouts == nil {
		checkouts = map[string]CheckoutLinker{}
	}

	return &Reconciler{
		txs:       deps.Transactions,
		plans:     deps.Plans,
		fulfiller: deps.Fulfiller,
		checkouts: checkouts,
		timeouts:  deps.Timeouts,
		now:       now,
	}, nil
}

// RegisterCheckout подключает построитель ссылки оплаты шлюза.
// Вызывается при сборке приложения, до приёма запросов.
func (r *Reconciler) RegisterCheckout(gateway string, linker CheckoutLinker) {
	r.checkouts[gateway] = linker
}

// Apply выполняет проверенную операцию шлюза
func (r *Reconciler) Apply(ctx context.Context, op VerifiedOrderOp) (*models.Transaction, error) {
	tx, err := r.load(ctx, op.OrderID)
	if err != nil {
		return nil, err
	}
	if op.Gateway != "" && tx.Gateway != op.Gateway {
		logger.Warn("⚠️ [Payment] Заказ %s создан для %s, запрос пришёл от %s", op.OrderID, tx.Gateway, op.Gateway)
		return nil, ErrOrderNotFound
	}

	switch op.Op {
	case OpCheck:
		return r.CheckCanPerform(ctx, op.OrderID, op.Amount)
	case OpBegin:
		return r.Begin(ctx, op.OrderID, op.GatewayTxID, op.GatewayTime, op.Amount)
	case OpPerform:
		return r.Perform(ctx, op.OrderID)
	case OpCancel:
		return r.Cancel(ctx, op.OrderID, op.Reason)
	case OpStatus:
		return tx, nil
	}
	return nil, fmt.Errorf("неизвестная операция %d", op.Op)
}

// Create регистрирует заказ. Повтор с тем же order_id возвращает сохранённую запись.
func (r *Reconciler) Create(ctx context.Context, order CreateOrder) (*models.Transaction, bool, error) {
	if order.OrderID == "" || order.Amount <= 0 {
		return nil, false, fmt.Errorf("некорректный заказ: order_id=%q amount=%d", order.OrderID, order.Amount)
	}

	tx, created, err := r.txs.CreateIfAbsent(ctx, &models.Transaction{
		OrderID:    order.OrderID,
		UserID:     order.UserID,
		PlanID:     order.PlanID,
		Amount:     order.Amount,
		Gateway:    order.Gateway,
		CreateTime: r.now(),
	})
	if err != nil {
		return nil, false, err
	}
	if !created && tx.Amount != order.Amount {
		return tx, false, fmt.Errorf("%w: заказ %s на %d, запрос на %d", ErrAmountMismatch, order.OrderID, tx.Amount, order.Amount)
	}
	if created {
		logger.Info("🧾 [Payment] Заказ %s создан: %d тийин, %s", tx.OrderID, tx.Amount, tx.Gateway)
	}
	return tx, created, nil
}

// CheckCanPerform проверяет заказ без изменений: сумма, состояние, тариф
func (r *Reconciler) CheckCanPerform(ctx context.Context, orderID string, amount int64) (*models.Transaction, error) {
	tx, err := r.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if amount != 0 && tx.Amount != amount {
		logger.Warn("⚠️ [Payment] Сумма по заказу %s не совпадает: ожидали %d, пришло %d", orderID, tx.Amount, amount)
		return tx, ErrAmountMismatch
	}
	if err := stateError(tx.State); err != nil {
		return tx, err
	}

	plan, err := r.plans.GetByID(ctx, tx.PlanID)
	if err != nil {
		return tx, fmt.Errorf("ошибка загрузки тарифа %d: %w", tx.PlanID, err)
	}
	if plan == nil || !plan.IsActive {
		return tx, ErrPlanUnavailable
	}
	return tx, nil
}

// Begin переводит заказ в ожидание и привязывает транзакцию шлюза
func (r *Reconciler) Begin(ctx context.Context, orderID, gatewayTxID string, gatewayTime, amount int64) (*models.Transaction, error) {
	tx, err := r.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if tx.GatewayTxID != nil {
		if *tx.GatewayTxID != gatewayTxID {
			return tx, ErrGatewayTxMismatch
		}
		if tx.State != models.TxPending {
			return tx, stateError(tx.State)
		}
		return r.checkTimeout(ctx, tx)
	}

	if tx, err = r.CheckCanPerform(ctx, orderID, amount); err != nil {
		return tx, err
	}

	ok, err := r.txs.MarkPending(ctx, orderID, gatewayTxID, gatewayTime)
	if err != nil {
		return nil, err
	}
	if !ok {
		// параллельный запрос успел раньше: решаем по новому состоянию
		current, err := r.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.ExternalID() == gatewayTxID && current.State == models.TxPending {
			return current, nil
		}
		if current.GatewayTxID != nil && current.ExternalID() != gatewayTxID {
			return current, ErrGatewayTxMismatch
		}
		return current, ErrInvalidState
	}

	logger.Info("⏳ [Payment] Заказ %s ожидает оплаты, транзакция %s %s", orderID, tx.Gateway, gatewayTxID)
	return r.load(ctx, orderID)
}

// Perform проводит заказ ровно один раз. Повтор для проведённого заказа
// возвращает сохранённое время проведения и не продлевает подписку.
func (r *Reconciler) Perform(ctx context.Context, orderID string) (*models.Transaction, error) {
	tx, err := r.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch tx.State {
	case models.TxPerformed:
		r.fulfil(ctx, tx)
		return tx, nil
	case models.TxCancelled, models.TxCancelledAfterPerform:
		return tx, ErrOrderCancelled
	case models.TxPending:
		if tx, err = r.checkTimeout(ctx, tx); err != nil {
			return tx, err
		}
	}

	ok, err := r.txs.MarkPerformed(ctx, orderID, r.now())
	if err != nil {
		return nil, err
	}

	current, err := r.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ok && current.State != models.TxPerformed {
		return current, stateError(current.State)
	}
	if ok {
		logger.Info("✅ [Payment] Заказ %s проведён (%s), пользователь %d", orderID, current.Gateway, current.UserID)
	}

	r.fulfil(ctx, current)
	return current, nil
}

// Cancel отменяет заказ. Отмена проведённого заказа отзывает выданный доступ.
func (r *Reconciler) Cancel(ctx context.Context, orderID string, reason int) (*models.Transaction, error) {
	tx, err := r.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch tx.State {
	case models.TxCancelled, models.TxCancelledAfterPerform:
		return tx, nil

	case models.TxCreated, models.TxPending:
		ok, err := r.txs.MarkCancelled(ctx, orderID, reason, r.now())
		if err != nil {
			return nil, err
		}
		if !ok {
			// заказ успели провести: отменяем как проведённый
			return r.Cancel(ctx, orderID, reason)
		}
		logger.Info("🚫 [Payment] Заказ %s отменён до проведения, причина %d", orderID, reason)
		return r.load(ctx, orderID)

	case models.TxPerformed:
		ok, err := r.txs.MarkCancelledAfterPerform(ctx, orderID, reason, r.now())
		if err != nil {
			return nil, err
		}
		current, err := r.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return current, nil
		}
		logger.Warn("↩️ [Payment] Проведённый заказ %s отменён, причина %d", orderID, reason)
		if err := r.fulfiller.Revoke(ctx, current); err != nil {
			logger.Error("❌ [Payment] Не удалось отозвать доступ по заказу %s: %v", orderID, err)
		}
		return current, nil
	}
	return tx, ErrInvalidState
}

// Status возвращает текущую запись заказа
func (r *Reconciler) Status(ctx context.Context, orderID string) (*models.Transaction, error) {
	return r.load(ctx, orderID)
}

// FindByGatewayTx находит заказ по идентификатору транзакции шлюза
func (r *Reconciler) FindByGatewayTx(ctx context.Context, gateway, gatewayTxID string) (*models.Transaction, error) {
	tx, err := r.txs.GetByGatewayTxID(ctx, gateway, gatewayTxID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// Statement - транзакции шлюза за период
func (r *Reconciler) Statement(ctx context.Context, gateway string, from, to time.Time) ([]*models.Transaction, error) {
	return r.txs.ListByGatewayPeriod(ctx, gateway, from, to)
}

// StartCheckout создает заказ по тарифу и возвращает ссылку на оплату
func (r *Reconciler) StartCheckout(ctx context.Context, userID int64, planCode, gateway string) (*Checkout, error) {
	linker, ok := r.checkouts[gateway]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayDisabled, gateway)
	}

	plan, err := r.plans.GetByCode(ctx, planCode)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки тарифа %s: %w", planCode, err)
	}
	if plan == nil || !plan.IsActive || plan.EffectivePrice() <= 0 {
		return nil, ErrPlanUnavailable
	}

	tx, _, err := r.Create(ctx, CreateOrder{
		OrderID: uuid.NewString(),
		UserID:  userID,
		PlanID:  plan.ID,
		Amount:  plan.EffectivePrice(),
		Gateway: gateway,
	})
	if err != nil {
		return nil, err
	}

	url, err := linker.CheckoutURL(tx)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения ссылки %s: %w", gateway, err)
	}
	return &Checkout{Transaction: tx, Plan: plan, URL: url}, nil
}

// RetryFulfilment повторяет выдачу доступа по проведённому заказу
func (r *Reconciler) RetryFulfilment(ctx context.Context, tx *models.Transaction) error {
	if tx.State != models.TxPerformed {
		return stateError(tx.State)
	}
	return r.fulfiller.Fulfil(ctx, tx)
}

func (r *Reconciler) load(ctx context.Context, orderID string) (*models.Transaction, error) {
	tx, err := r.txs.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки заказа %s: %w", orderID, err)
	}
	if tx == nil {
		return nil, ErrOrderNotFound
	}
	return tx, nil
}

// fulfil вызывает выдачу доступа; ошибка не откатывает проведение,
// задача восстановления повторит выдачу позже
func (r *Reconciler) fulfil(ctx context.Context, tx *models.Transaction) {
	if err := r.fulfiller.Fulfil(ctx, tx); err != nil {
		logger.Error("❌ [Payment] Выдача доступа по заказу %s не удалась: %v", tx.OrderID, err)
	}
}

// checkTimeout отменяет ожидающую транзакцию, если шлюз держит её слишком долго
func (r *Reconciler) checkTimeout(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	timeout := r.timeouts[tx.Gateway]
	if tx.State != models.TxPending || timeout <= 0 || tx.GatewayTime == nil {
		return tx, nil
	}

	started := time.UnixMilli(*tx.GatewayTime)
	if r.now().Sub(started) <= timeout {
		return tx, nil
	}

	cancelled, err := r.Cancel(ctx, tx.OrderID, ReasonTimeout)
	if err != nil {
		return nil, err
	}
	logger.Warn("⌛ [Payment] Транзакция %s по заказу %s отменена по таймауту", tx.ExternalID(), tx.OrderID)
	return cancelled, ErrTransactionTimeout
}

func stateError(state models.TxState) error {
	switch state {
	case models.TxCreated, models.TxPending:
		return nil
	case models.TxPerformed:
		return ErrAlreadyPaid
	case models.TxCancelled, models.TxCancelledAfterPerform:
		return ErrOrderCancelled
	}
	return ErrInvalidState
}

// IsTerminalError - ошибки, после которых повтор запроса бессмыслен
func IsTerminalError(err error) bool {
	return errors.Is(err, ErrAlreadyPaid) || errors.Is(err, ErrOrderCancelled) || errors.Is(err, ErrTransactionTimeout)
}
