package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ignatzorin/agripay-backend/internal/config"
	"github.com/ignatzorin/agripay-backend/internal/ledger"
	"github.com/ignatzorin/agripay-backend/internal/logger"
	"github.com/ignatzorin/agripay-backend/internal/models"
	"github.com/ignatzorin/agripay-backend/internal/pkg/apperror"
	"github.com/ignatzorin/agripay-backend/internal/validation"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// DepositInput пополнение кошелька через шлюз.
type DepositInput struct {
	WalletID       uuid.UUID
	Amount         decimal.Decimal
	Method         models.PaymentMethod
	IdempotencyKey string
}

// WithdrawInput вывод средств через шлюз.
type WithdrawInput struct {
	WalletID       uuid.UUID
	Amount         decimal.Decimal
	Method         models.PaymentMethod
	PIN            string
	IdempotencyKey string
}

// TransferInput перевод между кошельками.
type TransferInput struct {
	FromWalletID   uuid.UUID
	ToWalletID     uuid.UUID
	Amount         decimal.Decimal
	PIN            string
	Description    string
	IdempotencyKey string
}

type WalletService struct {
	store   LedgerStore
	gate    Authorizer
	gateway PaymentGateway
	events  WalletEventPublisher
	cfg     config.WalletConfig
	log     *logrus.Entry
}

func NewWalletService(store LedgerStore, gate Authorizer, gateway PaymentGateway, events WalletEventPublisher, cfg config.WalletConfig) *WalletService {
	return &WalletService{
		store:   store,
		gate:    gate,
		gateway: gateway,
		events:  publisherOrNoop(events),
		cfg:     cfg,
		log:     logger.Component("wallet"),
	}
}

// Create создаёт кошелёк владельца. Повторный вызов возвращает существующий кошелёк.
func (s *WalletService) Create(ctx context.Context, actor models.Actor, ownerID uuid.UUID) (*models.Wallet, bool, error) {
	if ownerID == uuid.Nil {
		ownerID = actor.ID
	}
	if ownerID != actor.ID && !actor.IsStaff {
		return nil, false, apperror.ErrForbidden
	}

	wallet, created, err := s.store.CreateWallet(ctx, &models.Wallet{
		ID:               uuid.New(),
		OwnerID:          ownerID,
		Currency:         s.cfg.Currency,
		Status:           models.WalletStatusActive,
		DailyLimit:       s.cfg.DailyLimit,
		TransactionLimit: s.cfg.TransactionLimit,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.WithFields(logrus.Fields{"wallet_id": wallet.ID, "owner_id": ownerID}).Info("кошелёк создан")
	}
	return wallet, created, nil
}

// Get возвращает кошелёк владельцу или сотруднику.
func (s *WalletService) Get(ctx context.Context, actor models.Actor, walletID uuid.UUID) (*models.Wallet, error) {
	wallet, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.OwnerID != actor.ID && !actor.IsStaff {
		return nil, apperror.ErrForbidden
	}
	return wallet, nil
}

// GetMine возвращает кошелёк текущего пользователя.
func (s *WalletService) GetMine(ctx context.Context, actor models.Actor) (*models.Wallet, error) {
	return s.store.GetWalletByOwner(ctx, actor.ID)
}

// Balance возвращает доступный баланс и резерв.
func (s *WalletService) Balance(ctx context.Context, actor models.Actor, walletID uuid.UUID) (models.Balances, error) {
	wallet, err := s.Get(ctx, actor, walletID)
	if err != nil {
		return models.Balances{}, err
	}
	return wallet.Balances(), nil
}

// Deposit пополняет кошелёк. Ключ идемпотентности - ссылка клиента или шлюза.
// PIN не запрашивается: плательщика подтверждает шлюз.
func (s *WalletService) Deposit(ctx context.Context, actor models.Actor, in DepositInput) (*models.WalletResult, error) {
	wallet, err := s.Get(ctx, actor, in.WalletID)
	if err != nil {
		return nil, err
	}
	if err := ledger.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}
	if err := validateMethod(in.Method, in.IdempotencyKey); err != nil {
		return nil, err
	}

	key := ""
	if in.IdempotencyKey != "" {
		key = "deposit:" + in.IdempotencyKey
		if res, ok, err := s.replay(ctx, key, wallet.ID); err != nil || ok {
			return res, err
		}
	}
	decision, err := s.gate.Authorize(ctx, GateRequest{
		WalletID:  wallet.ID,
		Operation: models.TransactionTypeDeposit,
		Amount:    in.Amount,
		Actor:     actor,
		Check:     GateCheckIncoming,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	externalID, err := s.gateway.InitiateDeposit(ctx, in.Method, in.Amount)
	if err != nil {
		s.log.WithError(err).WithField("method", in.Method.Masked()).Warn("шлюз отклонил пополнение")
		return nil, apperror.Wrap(err, apperror.ErrCodeGatewayFailed, "шлюз отклонил пополнение")
	}
	if key == "" {
		key = "deposit:" + externalID
	}

	posting, err := s.store.Post(ctx, ledger.NewBatch(key, ledger.Entry{
		WalletID:    wallet.ID,
		Type:        models.TransactionTypeDeposit,
		Amount:      in.Amount,
		Reference:   &models.Reference{Type: models.ReferenceTypeDeposit, ID: externalID},
		Description: "Пополнение через " + string(in.Method.Type),
	}))
	if err != nil {
		return nil, err
	}
	if !posting.Replayed {
		publishPosting(ctx, s.log, s.events, posting.Wallets, posting.Transactions)
	}
	return walletResult(posting, wallet.ID, externalID), nil
}

// Withdraw списывает средства и отправляет выплату в шлюз. Если шлюз не подтвердил
// выплату, проводится компенсирующий возврат.
func (s *WalletService) Withdraw(ctx context.Context, actor models.Actor, in WithdrawInput) (*models.WalletResult, error) {
	wallet, err := s.store.GetWallet(ctx, in.WalletID)
	if err != nil {
		return nil, err
	}
	if wallet.OwnerID != actor.ID {
		return nil, apperror.ErrForbidden
	}
	if err := ledger.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}
	if err := validateMethod(in.Method, in.IdempotencyKey); err != nil {
		return nil, err
	}

	requestID := in.IdempotencyKey
	if requestID == "" {
		requestID = uuid.NewString()
	}
	key := "withdrawal:" + requestID
	reversalKey := key + ":reversal"

	if res, ok, err := s.replay(ctx, key, wallet.ID); err != nil || ok {
		if ok {
			if reversed, _ := s.store.TransactionsByKey(ctx, reversalKey); len(reversed) > 0 {
				return nil, apperror.ErrGatewayFailed
			}
		}
		return res, err
	}

	decision, err := s.gate.Authorize(ctx, GateRequest{
		WalletID:  wallet.ID,
		Operation: models.TransactionTypeWithdrawal,
		Amount:    in.Amount,
		PIN:       in.PIN,
		Actor:     actor,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	ref := &models.Reference{Type: models.ReferenceTypeWithdrawal, ID: requestID}
	batch := ledger.NewBatch(key, ledger.Entry{
		WalletID:    wallet.ID,
		Type:        models.TransactionTypeWithdrawal,
		Amount:      in.Amount,
		Reference:   ref,
		Description: "Вывод через " + string(in.Method.Type),
	})
	batch.DailyCap = decision.DailyCap
	posting, err := s.store.Post(ctx, batch)
	if err != nil {
		return nil, err
	}
	publishPosting(ctx, s.log, s.events, posting.Wallets, posting.Transactions)

	payoutRef, gwErr := s.gateway.InitiateWithdrawal(ctx, in.Method, in.Amount)
	if gwErr == nil {
		s.log.WithFields(logrus.Fields{
			"wallet_id":  wallet.ID,
			"amount":     in.Amount.StringFixed(2),
			"payout_ref": payoutRef,
		}).Info("выплата отправлена")
		return walletResult(posting, wallet.ID, payoutRef), nil
	}

	reversal, err := s.store.Post(ctx, ledger.NewBatch(reversalKey, ledger.Entry{
		WalletID:    wallet.ID,
		Type:        models.TransactionTypeRefund,
		Amount:      in.Amount,
		Reference:   ref,
		Description: "Возврат: шлюз не подтвердил вывод",
	}))
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"wallet_id":  wallet.ID,
			"request_id": requestID,
		}).Error("не удалось провести компенсацию вывода")
		return nil, fmt.Errorf("wallet service: compensate withdrawal %s: %w", requestID, err)
	}
	publishPosting(ctx, s.log, s.events, reversal.Wallets, reversal.Transactions)

	s.log.WithError(gwErr).WithField("wallet_id", wallet.ID).Warn("шлюз отклонил вывод, средства возвращены")
	return nil, apperror.Wrap(gwErr, apperror.ErrCodeGatewayFailed, apperror.ErrGatewayFailed.Message)
}

// Transfer переводит средства между кошельками. Комиссия платформы, если задана,
// проводится в том же пакете.
func (s *WalletService) Transfer(ctx context.Context, actor models.Actor, in TransferInput) (*models.WalletResult, error) {
	from, err := s.store.GetWallet(ctx, in.FromWalletID)
	if err != nil {
		return nil, err
	}
	if from.OwnerID != actor.ID {
		return nil, apperror.ErrForbidden
	}
	if in.FromWalletID == in.ToWalletID {
		return nil, apperror.New(apperror.ErrCodeValidation, "нельзя перевести средства на тот же кошелёк")
	}
	if err := ledger.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}
	if err := validation.ValidateLength("описание", in.Description, 0, validation.MaxTransferDescriptionLength); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	if err := validation.ValidateIdempotencyKey(in.IdempotencyKey); err != nil {
		return nil, apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	if _, err := s.store.GetWallet(ctx, in.ToWalletID); err != nil {
		return nil, err
	}

	requestID := in.IdempotencyKey
	if requestID == "" {
		requestID = uuid.NewString()
	}
	key := "transfer:" + requestID
	if res, ok, err := s.replay(ctx, key, from.ID); err != nil || ok {
		return res, err
	}

	fee := s.fee(in.Amount)
	decision, err := s.gate.Authorize(ctx, GateRequest{
		WalletID:  from.ID,
		Operation: models.TransactionTypeTransferOut,
		Amount:    in.Amount.Add(fee),
		PIN:       in.PIN,
		Actor:     actor,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	description := in.Description
	if description == "" {
		description = "Перевод"
	}
	ref := &models.Reference{Type: models.ReferenceTypeTransfer, ID: requestID}
	entries := []ledger.Entry{
		{WalletID: from.ID, Type: models.TransactionTypeTransferOut, Amount: in.Amount, Reference: ref, Description: description},
		{WalletID: in.ToWalletID, Type: models.TransactionTypeTransferIn, Amount: in.Amount, Reference: ref, Description: description},
	}
	if fee.IsPositive() {
		entries = append(entries,
			ledger.Entry{WalletID: from.ID, Type: models.TransactionTypeFee, Amount: fee, Reference: ref, Description: "Комиссия за перевод"},
			ledger.Entry{WalletID: s.cfg.PlatformWalletID, Type: models.TransactionTypeCommission, Amount: fee, Reference: ref, Description: "Комиссия за перевод"},
		)
	}

	batch := ledger.NewBatch(key, entries...)
	batch.DailyCap = decision.DailyCap
	posting, err := s.store.Post(ctx, batch)
	if err != nil {
		return nil, err
	}
	if !posting.Replayed {
		publishPosting(ctx, s.log, s.events, posting.Wallets, posting.Transactions)
	}
	return walletResult(posting, from.ID, ""), nil
}

// fee комиссия за перевод, округлённая до копеек.
func (s *WalletService) fee(amount decimal.Decimal) decimal.Decimal {
	if !s.cfg.TransferFeePercent.IsPositive() || s.cfg.PlatformWalletID == uuid.Nil {
		return decimal.Zero
	}
	return amount.Mul(s.cfg.TransferFeePercent).Div(decimal.NewFromInt(100)).Round(2)
}

// ListTransactions возвращает транзакции кошелька, новые первыми.
func (s *WalletService) ListTransactions(ctx context.Context, actor models.Actor, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	if _, err := s.Get(ctx, actor, walletID); err != nil {
		return nil, err
	}
	limit, offset = normalizePage(limit, offset)
	return s.store.ListTransactions(ctx, walletID, limit, offset)
}

// SetPIN устанавливает или меняет PIN. Смена требует текущий PIN.
func (s *WalletService) SetPIN(ctx context.Context, actor models.Actor, walletID uuid.UUID, currentPIN, newPIN string) error {
	wallet, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if wallet.OwnerID != actor.ID {
		return apperror.ErrForbidden
	}
	if err := validation.ValidatePIN(newPIN); err != nil {
		return apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	if wallet.HasPin() {
		decision, err := s.gate.VerifyPIN(ctx, walletID, currentPIN)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return decision.Err()
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPIN), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("wallet service: hash pin: %w", err)
	}
	hashStr := string(hash)

	_, err = s.store.UpdateWallet(ctx, walletID, func(w *models.Wallet) error {
		w.PinHash = &hashStr
		w.PinFailedAttempts = 0
		w.PinLockedUntil = nil
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithField("wallet_id", walletID).Info("PIN кошелька обновлён")
	return nil
}

// UpdateStatus меняет статус кошелька. Закрыть можно только пустой кошелёк,
// закрытый кошелёк не открывается.
func (s *WalletService) UpdateStatus(ctx context.Context, actor models.Actor, walletID uuid.UUID, status models.WalletStatus) (*models.Wallet, error) {
	if !actor.IsStaff {
		return nil, apperror.ErrForbidden
	}
	if _, ok := models.ValidWalletStatuses[status]; !ok {
		return nil, apperror.New(apperror.ErrCodeValidation, fmt.Sprintf("неизвестный статус кошелька %q", status))
	}

	var previous models.WalletStatus
	wallet, err := s.store.UpdateWallet(ctx, walletID, func(w *models.Wallet) error {
		previous = w.Status
		if w.Status == models.WalletStatusClosed && status != models.WalletStatusClosed {
			return apperror.ErrInvalidStateTransition.WithMessage("закрытый кошелёк нельзя открыть")
		}
		if status == models.WalletStatusClosed && (!w.Balance.IsZero() || !w.ReserveBalance.IsZero()) {
			return apperror.ErrInvalidStateTransition.WithMessage("нельзя закрыть кошелёк с ненулевым балансом или резервом")
		}
		w.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"wallet_id": walletID,
		"from":      previous,
		"to":        status,
		"actor_id":  actor.ID,
	}).Info("статус кошелька изменён")
	return wallet, nil
}

// Reconcile воспроизводит журнал кошелька и сверяет его с балансами.
func (s *WalletService) Reconcile(ctx context.Context, actor models.Actor, walletID uuid.UUID) (*ledger.Reconciliation, error) {
	wallet, err := s.Get(ctx, actor, walletID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.JournalFor(ctx, walletID)
	if err != nil {
		return nil, err
	}

	rec := ledger.Replay(wallet, txs)
	if !rec.Consistent() {
		s.log.WithFields(logrus.Fields{
			"wallet_id": walletID,
			"issues":    rec.Issues,
		}).Error("журнал кошелька не сходится с балансом")
	}
	return rec, nil
}

// ReconcileAll сверяет все кошельки. Доступно только сотрудникам и системе.
func (s *WalletService) ReconcileAll(ctx context.Context, actor models.Actor) ([]*ledger.Reconciliation, error) {
	if !actor.IsStaff {
		return nil, apperror.ErrForbidden
	}
	ids, err := s.store.ListWalletIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*ledger.Reconciliation, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := s.Reconcile(ctx, actor, id)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// replay возвращает ранее проведённую операцию с тем же ключом.
func (s *WalletService) replay(ctx context.Context, key string, walletID uuid.UUID) (*models.WalletResult, bool, error) {
	prior, err := s.store.TransactionsByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if len(prior) == 0 {
		return nil, false, nil
	}
	wallet, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, false, err
	}

	res := &models.WalletResult{Transactions: prior, Balance: wallet.Balances(), Replayed: true}
	for _, tx := range prior {
		if tx.WalletID == walletID && tx.ReferenceType != nil && *tx.ReferenceType == models.ReferenceTypeDeposit && tx.ReferenceID != nil {
			res.ExternalRef = *tx.ReferenceID
		}
	}
	return res, true, nil
}

func walletResult(posting *ledger.Posting, walletID uuid.UUID, externalRef string) *models.WalletResult {
	res := &models.WalletResult{
		Transactions: posting.Transactions,
		ExternalRef:  externalRef,
		Replayed:     posting.Replayed,
	}
	for _, w := range posting.Wallets {
		if w.ID == walletID {
			res.Balance = w.Balances()
		}
	}
	return res
}

func validateMethod(method models.PaymentMethod, idempotencyKey string) error {
	if err := method.Validate(); err != nil {
		return apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	if err := validation.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	return nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
