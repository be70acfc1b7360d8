package main

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"arka/models"
	"arka/pkg/docvalidate"
)

// Error taxonomy: validation errors report bad input and change nothing;
// integrity errors are never downgraded to success; connectivity errors get a
// single bounded reconnect/retry; permission errors report and change nothing.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrPermission         = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrNoDocument         = errors.New("no document attached")
	ErrIntegrity          = errors.New("document hash verification failed")
	ErrUnavailable        = errors.New("database unreachable")
	ErrDuplicateUser      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Store owns transaction and user records. Access to the connection handle is
// serialized by a mutex: the caller is effectively single-writer, but the
// background keepalive could otherwise race a request-triggered reconnect.
type Store struct {
	mu   sync.Mutex
	db   *gorm.DB
	open func() (*gorm.DB, error)
	log  *logrus.Logger
}

// NewStore connects, migrates the schema and seeds the default admin.
func NewStore(open func() (*gorm.DB, error), log *logrus.Logger) (*Store, error) {
	db, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := seedDefaultAdmin(db, log); err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	return &Store{db: db, open: open, log: log}, nil
}

func (s *Store) pingLocked() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) reconnectLocked() error {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	s.db = db
	s.log.Warn("database connection re-established")
	return nil
}

// Ping checks the connection, attempting one reconnect when it is dead.
func (s *Store) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pingLocked(); err != nil {
		if rerr := s.reconnectLocked(); rerr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, rerr)
		}
	}
	return nil
}

// withRetry runs op against a live connection: ping first, reconnect once if
// dead, and retry op exactly once if it fails with a connection error. A
// failed reconnect surfaces cleanly instead of retrying indefinitely.
func (s *Store) withRetry(op func(db *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pingLocked(); err != nil {
		if rerr := s.reconnectLocked(); rerr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, rerr)
		}
	}
	err := op(s.db)
	if err != nil && isConnError(err) {
		s.log.WithError(err).Warn("statement failed on dead connection, reconnecting")
		if rerr := s.reconnectLocked(); rerr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		err = op(s.db)
	}
	return err
}

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := err.Error()
	for _, probe := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"database is closed",
		"failed to connect",
		"unexpected EOF",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "already exists")
}

// TransactionInput carries a candidate ledger entry. Document, when present,
// must come from the validator so bytes, name, size and hash travel together.
type TransactionInput struct {
	Date        time.Time
	Currency    string
	Description string
	Amount      decimal.Decimal
	Type        models.TransactionType
	Document    *docvalidate.Document
}

// AddTransaction validates and stores a new ledger entry. Non-admin sessions
// cannot backdate: their registration date is forced to the current time. The
// insert is a single atomic statement, so a row can never end up with a
// document but no hash or vice versa.
func (s *Store) AddTransaction(sess Session, in TransactionInput) (*models.Transaction, error) {
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return nil, fmt.Errorf("%w: description cannot be empty", ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !models.ValidCurrency(in.Currency) {
		return nil, fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, in.Currency)
	}
	if !models.ValidType(in.Type) {
		return nil, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, in.Type)
	}
	if in.Document != nil && !sess.CanUpload {
		return nil, fmt.Errorf("%w: user %q may not attach documents", ErrPermission, sess.Username)
	}

	now := time.Now()
	regDate := in.Date
	if regDate.IsZero() || !sess.IsAdmin() {
		regDate = now
	}
	uid := sess.UserID
	row := models.Transaction{
		RegistrationDate: regDate,
		CreatedOn:        now,
		Currency:         in.Currency,
		Description:      desc,
		Amount:           in.Amount,
		TransactionType:  in.Type,
		CreatedBy:        &uid,
	}
	if in.Document != nil {
		if len(in.Document.Data) == 0 || in.Document.Hash == "" {
			return nil, fmt.Errorf("%w: document bytes and hash must be stored together", ErrInvalidInput)
		}
		name, size, hash := in.Document.FileName, in.Document.Size, in.Document.Hash
		row.Document = in.Document.Data
		row.DocumentName = &name
		row.DocumentSize = &size
		row.DocumentHash = &hash
	}

	err := s.withRetry(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			return tx.Create(&row).Error
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"id":       row.ID,
		"currency": row.Currency,
		"type":     row.TransactionType,
		"user":     sess.Username,
		"document": in.Document != nil,
	}).Info("transaction added")
	return &row, nil
}

// SoftDeleteTransaction marks a transaction deleted with an audit trail. Admin
// only. Idempotent: deleting an already-deleted transaction changes nothing.
func (s *Store) SoftDeleteTransaction(sess Session, id uint) error {
	if !sess.IsAdmin() {
		return fmt.Errorf("%w: only admin users can delete transactions", ErrPermission)
	}
	now := time.Now()
	uid := sess.UserID
	return s.withRetry(func(db *gorm.DB) error {
		res := db.Model(&models.Transaction{}).
			Where("id = ? AND deleted = ?", id, false).
			Updates(map[string]interface{}{
				"deleted":      true,
				"deleted_date": &now,
				"deleted_by":   &uid,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := db.Model(&models.Transaction{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			// already deleted, leave state unchanged
			return nil
		}
		s.log.WithFields(logrus.Fields{"id": id, "deleted_by": sess.Username}).Info("transaction soft-deleted")
		return nil
	})
}

// Balance is the per-currency income/expense aggregate.
type Balance struct {
	Currency string          `json:"currency"`
	Income   decimal.Decimal `json:"income"`
	Expense  decimal.Decimal `json:"expense"`
}

// Balances sums non-deleted transactions per currency. Currencies with no
// rows are absent; the caller pre-seeds the display set if it wants all four.
func (s *Store) Balances() ([]Balance, error) {
	var out []Balance
	err := s.withRetry(func(db *gorm.DB) error {
		return db.Model(&models.Transaction{}).
			Select(`currency,
				COALESCE(SUM(CASE WHEN transaction_type = 'income' THEN amount ELSE 0 END), 0) AS income,
				COALESCE(SUM(CASE WHEN transaction_type = 'expense' THEN amount ELSE 0 END), 0) AS expense`).
			Where("deleted = ?", false).
			Group("currency").
			Order("currency").
			Scan(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReportFilter narrows a report query. Empty or "All" currency/type means no
// filter; Description is a case-insensitive substring match.
type ReportFilter struct {
	From           time.Time
	To             time.Time
	Description    string
	Currency       string
	Type           string
	IncludeDeleted bool
}

// ReportRow is a transaction as shown in reports, with creator/deleter
// usernames resolved and the document columns reduced to name and size.
type ReportRow struct {
	ID               uint                   `json:"id"`
	RegistrationDate time.Time              `json:"registration_date"`
	Currency         string                 `json:"currency"`
	Description      string                 `json:"description"`
	Amount           decimal.Decimal        `json:"amount"`
	TransactionType  models.TransactionType `json:"transaction_type"`
	CreatedBy        string                 `json:"created_by,omitempty"`
	DeletedBy        string                 `json:"deleted_by,omitempty"`
	DocumentName     string                 `json:"document_name,omitempty"`
	DocumentSize     int64                  `json:"document_size,omitempty"`
}

// FilteredTransactions returns rows whose registration date falls in
// [From, To] inclusive, narrowed by the optional filters.
func (s *Store) FilteredTransactions(f ReportFilter) ([]ReportRow, error) {
	var rows []ReportRow
	err := s.withRetry(func(db *gorm.DB) error {
		q := db.Table("transactions AS t").
			Select(`t.id, t.registration_date, t.currency, t.description, t.amount, t.transaction_type,
				COALESCE(creator.username, '') AS created_by,
				COALESCE(deleter.username, '') AS deleted_by,
				COALESCE(t.document_name, '') AS document_name,
				COALESCE(t.document_size, 0) AS document_size`).
			Joins("LEFT JOIN users AS creator ON t.created_by = creator.id").
			Joins("LEFT JOIN users AS deleter ON t.deleted_by = deleter.id").
			Where("t.registration_date BETWEEN ? AND ?", f.From, f.To)
		if !f.IncludeDeleted {
			q = q.Where("t.deleted = ?", false)
		}
		if d := strings.TrimSpace(f.Description); d != "" {
			q = q.Where("LOWER(t.description) LIKE ?", "%"+strings.ToLower(d)+"%")
		}
		if f.Currency != "" && !strings.EqualFold(f.Currency, "All") {
			q = q.Where("t.currency = ?", f.Currency)
		}
		if typ := strings.ToLower(f.Type); typ != "" && typ != "all" {
			q = q.Where("t.transaction_type = ?", typ)
		}
		return q.Order("t.registration_date").Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetDocument returns the stored bytes and filename only when the hash
// recomputed over the stored bytes matches the stored hash. A mismatch is a
// data-integrity failure: logged at error severity, never returned as valid.
func (s *Store) GetDocument(id uint) ([]byte, string, error) {
	var row models.Transaction
	err := s.withRetry(func(db *gorm.DB) error {
		return db.Select("id", "document", "document_name", "document_hash").
			Where("id = ? AND deleted = ?", id, false).
			First(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	if len(row.Document) == 0 || row.DocumentHash == nil {
		return nil, "", ErrNoDocument
	}
	name := ""
	if row.DocumentName != nil {
		name = *row.DocumentName
	}
	if docvalidate.Hash(row.Document) != *row.DocumentHash {
		s.log.WithFields(logrus.Fields{
			"transaction_id": id,
			"document_name":  name,
			"stored_hash":    *row.DocumentHash,
		}).Error("document hash verification failed")
		return nil, "", ErrIntegrity
	}
	return row.Document, name, nil
}

// Authenticate compares the password against the stored bcrypt hash.
func (s *Store) Authenticate(username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	var user models.User
	err := s.withRetry(func(db *gorm.DB) error {
		return db.Where("username = ?", username).First(&user).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(user.HashedPassword, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// CreateUser creates an account. Admin only; passwords need at least 6
// characters.
func (s *Store) CreateUser(sess Session, username, password, role string, canUpload bool) (*models.User, error) {
	if !sess.IsAdmin() {
		return nil, fmt.Errorf("%w: only admin users can create accounts", ErrPermission)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidInput)
	}
	if len(password) < 6 {
		return nil, fmt.Errorf("%w: password too short (min 6)", ErrInvalidInput)
	}
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := models.User{
		Username:           username,
		HashedPassword:     hashed,
		Role:               role,
		CanUploadDocuments: canUpload,
	}
	err = s.withRetry(func(db *gorm.DB) error {
		var count int64
		if err := db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateUser
		}
		if err := db.Create(&user).Error; err != nil {
			if isUniqueConstraintError(err) { // race after the pre-check
				return ErrDuplicateUser
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"username": username, "role": role, "created_by": sess.Username}).Info("user created")
	return &user, nil
}

// ChangePassword replaces the stored hash in place. No history is retained.
func (s *Store) ChangePassword(sess Session, userID uint, newPassword string) error {
	if !sess.IsAdmin() {
		return fmt.Errorf("%w: only admin users can change passwords", ErrPermission)
	}
	if len(newPassword) < 6 {
		return fmt.Errorf("%w: password too short (min 6)", ErrInvalidInput)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.withRetry(func(db *gorm.DB) error {
		res := db.Model(&models.User{}).Where("id = ?", userID).Update("hashed_password", hashed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ChangeUploadPermission toggles the per-user document upload capability.
func (s *Store) ChangeUploadPermission(sess Session, userID uint, canUpload bool) error {
	if !sess.IsAdmin() {
		return fmt.Errorf("%w: only admin users can change permissions", ErrPermission)
	}
	return s.withRetry(func(db *gorm.DB) error {
		res := db.Model(&models.User{}).Where("id = ?", userID).Update("can_upload_documents", canUpload)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListUsers returns all accounts ordered by username. Admin only.
func (s *Store) ListUsers(sess Session) ([]models.User, error) {
	if !sess.IsAdmin() {
		return nil, fmt.Errorf("%w: only admin users can list accounts", ErrPermission)
	}
	var users []models.User
	err := s.withRetry(func(db *gorm.DB) error {
		return db.Order("username").Find(&users).Error
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}
