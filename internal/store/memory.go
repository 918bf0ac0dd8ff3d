package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"payment-switch/internal/models"
)

// Memory is an in-process store used for local runs and tests. Every method takes the
// single lock, so updates to one record serialize.
type Memory struct {
	mu           sync.RWMutex
	now          func() time.Time
	transactions map[string]*models.Transaction
	txnIndex     map[string]string
	history      map[string][]models.StatusEvent
	users        map[string]*models.User
	pluginLogs   map[string][]models.PluginLog
	tokens       map[string]*models.OfflineToken
}

func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		transactions: make(map[string]*models.Transaction),
		txnIndex:     make(map[string]string),
		history:      make(map[string][]models.StatusEvent),
		users:        make(map[string]*models.User),
		pluginLogs:   make(map[string][]models.PluginLog),
		tokens:       make(map[string]*models.OfflineToken),
	}
}

func (m *Memory) CreateTransaction(_ context.Context, p models.NewTransaction) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(p), nil
}

// CreateRefund inserts a refund of originalID when the amount, together with every
// refund of it that has not failed, stays within the original amount.
func (m *Memory) CreateRefund(_ context.Context, originalID string, p models.NewTransaction) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	original, ok := m.transactions[originalID]
	if !ok {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", originalID, models.ErrNotFound)
	}
	refunded := 0.0
	for _, txn := range m.transactions {
		if txn.Type == models.TxnRefund && txn.Status != models.TxnFailed && txn.MetaString("originalTransactionId") == originalID {
			refunded += txn.Amount
		}
	}
	if models.RoundAmount(refunded+p.Amount) > original.Amount {
		return models.Transaction{}, fmt.Errorf("transaction %s has %.2f of %.2f refunded: %w", original.TxnID, refunded, original.Amount, models.ErrRefundExceedsOriginal)
	}
	p.Metadata = models.MergeMetadata(p.Metadata, map[string]any{"originalTransactionId": originalID})
	return m.insertLocked(p), nil
}

func (m *Memory) insertLocked(p models.NewTransaction) models.Transaction {
	now := m.now().UTC()
	txn := &models.Transaction{
		ID:            uuid.NewString(),
		TxnID:         models.NewTxnID(now),
		UserID:        p.UserID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Type:          p.Type,
		Status:        models.TxnPending,
		PaymentMethod: p.PaymentMethod,
		MerchantID:    p.MerchantID,
		MerchantName:  p.MerchantName,
		Description:   p.Description,
		Metadata:      models.MergeMetadata(nil, p.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.transactions[txn.ID] = txn
	m.txnIndex[txn.TxnID] = txn.ID
	m.history[txn.ID] = []models.StatusEvent{{TransactionID: txn.ID, Status: txn.Status, RecordedAt: now}}
	return cloneTxn(txn)
}

func (m *Memory) GetTransaction(_ context.Context, id string) (models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.transactions[id]
	if !ok {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	return cloneTxn(txn), nil
}

func (m *Memory) GetTransactionByTxnID(ctx context.Context, txnID string) (models.Transaction, error) {
	m.mu.RLock()
	id, ok := m.txnIndex[txnID]
	m.mu.RUnlock()
	if !ok {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", txnID, models.ErrNotFound)
	}
	return m.GetTransaction(ctx, id)
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id string, status models.TransactionStatus, details map[string]any) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	if !txn.Status.CanTransition(status) {
		return cloneTxn(txn), fmt.Errorf("transaction %s %s -> %s: %w", id, txn.Status, status, models.ErrTerminalStatus)
	}
	now := m.now().UTC()
	txn.Status = status
	txn.Metadata = models.MergeMetadata(txn.Metadata, details)
	txn.UpdatedAt = now
	m.history[id] = append(m.history[id], models.StatusEvent{
		TransactionID: id,
		Status:        status,
		Details:       maps.Clone(details),
		RecordedAt:    now,
	})
	return cloneTxn(txn), nil
}

func (m *Memory) UpdateConversion(_ context.Context, id string, amount float64, currency string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	txn.ConvertedAmount = &amount
	txn.ConvertedCurrency = currency
	txn.UpdatedAt = m.now().UTC()
	return cloneTxn(txn), nil
}

func (m *Memory) StatusHistory(_ context.Context, id string) ([]models.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[id]), nil
}

// RecentActivity counts the user's non-failed transactions created at or after since.
func (m *Memory) RecentActivity(_ context.Context, userID string, since time.Time) (int, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count, total := 0, 0.0
	for _, txn := range m.transactions {
		if txn.UserID != userID || txn.CreatedAt.Before(since) || txn.Status == models.TxnFailed {
			continue
		}
		count++
		total += txn.EffectiveAmount()
	}
	return count, total, nil
}

// CreateUser inserts or replaces a user record.
func (m *Memory) CreateUser(_ context.Context, u models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = models.UserActive
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = &u
	return u, nil
}

func (m *Memory) FindUserByID(_ context.Context, id string) (models.User, error) {
	return m.findUser(func(u *models.User) bool { return u.ID == id }, "id "+id)
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (models.User, error) {
	return m.findUser(func(u *models.User) bool { return u.Email != "" && u.Email == email }, "email "+email)
}

func (m *Memory) FindUserByPhone(_ context.Context, phone string) (models.User, error) {
	return m.findUser(func(u *models.User) bool { return u.Phone != "" && u.Phone == phone }, "phone "+phone)
}

func (m *Memory) findUser(match func(*models.User) bool, label string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return *u, nil
		}
	}
	return models.User{}, fmt.Errorf("user with %s: %w", label, models.ErrNotFound)
}

func (m *Memory) UpdateBalance(_ context.Context, id string, amount float64, op models.BalanceOp) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	balance, err := u.ApplyBalance(amount, op)
	if err != nil {
		return *u, fmt.Errorf("user %s: %w", id, err)
	}
	u.WalletBalance = balance
	u.UpdatedAt = m.now().UTC()
	return *u, nil
}

// CreditRefund adds a processing refund's amount to its user's wallet and sets the
// balanceCredited marker in one step. A refund already marked is returned unchanged.
func (m *Memory) CreditRefund(_ context.Context, transactionID string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[transactionID]
	if !ok {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", transactionID, models.ErrNotFound)
	}
	if txn.MetaBool("balanceCredited") {
		return cloneTxn(txn), nil
	}
	if txn.Status != models.TxnProcessing {
		return cloneTxn(txn), fmt.Errorf("refund %s is %s, not processing", transactionID, txn.Status)
	}
	u, ok := m.users[txn.UserID]
	if !ok {
		return cloneTxn(txn), fmt.Errorf("user %s: %w", txn.UserID, models.ErrNotFound)
	}
	balance, err := u.ApplyBalance(txn.Amount, models.BalanceAdd)
	if err != nil {
		return cloneTxn(txn), fmt.Errorf("user %s: %w", u.ID, err)
	}
	now := m.now().UTC()
	u.WalletBalance = balance
	u.UpdatedAt = now
	details := map[string]any{"balanceCredited": true}
	txn.Metadata = models.MergeMetadata(txn.Metadata, details)
	txn.UpdatedAt = now
	m.history[transactionID] = append(m.history[transactionID], models.StatusEvent{
		TransactionID: transactionID,
		Status:        txn.Status,
		Details:       details,
		RecordedAt:    now,
	})
	return cloneTxn(txn), nil
}

func (m *Memory) CreatePluginLog(_ context.Context, entry models.PluginLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	m.pluginLogs[entry.TransactionID] = append(m.pluginLogs[entry.TransactionID], entry)
	return nil
}

func (m *Memory) ListPluginLogs(_ context.Context, transactionID string) ([]models.PluginLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := slices.Clone(m.pluginLogs[transactionID])
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	return logs, nil
}

func (m *Memory) CreateToken(_ context.Context, tok models.OfflineToken) (models.OfflineToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[tok.Token]; exists {
		return models.OfflineToken{}, fmt.Errorf("token %s already exists", tok.Token)
	}
	if tok.IssuedFor != "" {
		for _, existing := range m.tokens {
			if existing.IssuedFor == tok.IssuedFor {
				return models.OfflineToken{}, fmt.Errorf("token already issued for transaction %s", tok.IssuedFor)
			}
		}
	}
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = m.now().UTC()
	}
	if tok.Status == "" {
		tok.Status = models.TokenActive
	}
	m.tokens[tok.Token] = &tok
	return tok, nil
}

func (m *Memory) GetToken(_ context.Context, code string) (models.OfflineToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[code]
	if !ok {
		return models.OfflineToken{}, fmt.Errorf("token %s: %w", code, models.ErrNotFound)
	}
	return *tok, nil
}

// FindTokenIssuedFor returns the token generated by transactionID.
func (m *Memory) FindTokenIssuedFor(_ context.Context, transactionID string) (models.OfflineToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tok := range m.tokens {
		if transactionID != "" && tok.IssuedFor == transactionID {
			return *tok, nil
		}
	}
	return models.OfflineToken{}, fmt.Errorf("token for transaction %s: %w", transactionID, models.ErrNotFound)
}

// RedeemToken marks an active token used by merchantID for transactionID if it is still
// redeemable at now. A token this transaction already redeemed is returned as is.
func (m *Memory) RedeemToken(_ context.Context, code, merchantID, transactionID string, now time.Time) (models.OfflineToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[code]
	if !ok {
		return models.OfflineToken{}, fmt.Errorf("token %s: %w", code, models.ErrNotFound)
	}
	if tok.RedeemedByTxn(transactionID) {
		return *tok, nil
	}
	if ok, reason := tok.CanRedeem(merchantID, now); !ok {
		return *tok, fmt.Errorf("%s: %w", reason, models.ErrTokenNotRedeemable)
	}
	usedAt := now.UTC()
	tok.Status = models.TokenUsed
	tok.UsedAt = &usedAt
	tok.UsedByMerchant = merchantID
	tok.RedeemedBy = transactionID
	return *tok, nil
}

// ExpireTokens flips active tokens past their expiry to expired and returns how many changed.
func (m *Memory) ExpireTokens(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tok := range m.tokens {
		if tok.Status == models.TokenActive && tok.Expired(now) {
			tok.Status = models.TokenExpired
			n++
		}
	}
	return n, nil
}

func cloneTxn(txn *models.Transaction) models.Transaction {
	out := *txn
	out.Metadata = maps.Clone(txn.Metadata)
	if txn.ConvertedAmount != nil {
		v := *txn.ConvertedAmount
		out.ConvertedAmount = &v
	}
	return out
}
