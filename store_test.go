package main

import (
	"bytes"
	"errors"
	"image/color"
	"image/jpeg"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"arka/models"
	"arka/pkg/docvalidate"
)

func discardLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return lg
}

func sqliteOpener(path string) func() (*gorm.DB, error) {
	return func() (*gorm.DB, error) {
		return gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arka.db")
	s, err := NewStore(sqliteOpener(path), discardLogger())
	require.NoError(t, err)
	return s
}

func adminSession(t *testing.T, s *Store) Session {
	t.Helper()
	u, err := s.Authenticate("admin", "admin123")
	require.NoError(t, err)
	return sessionFor(u)
}

func userSession(t *testing.T, s *Store, username string, canUpload bool) Session {
	t.Helper()
	u, err := s.CreateUser(adminSession(t, s), username, "secret1", models.RoleUser, canUpload)
	require.NoError(t, err)
	return sessionFor(u)
}

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

func addTx(t *testing.T, s *Store, sess Session, date time.Time, currency, desc, amount string, typ models.TransactionType) *models.Transaction {
	t.Helper()
	tx, err := s.AddTransaction(sess, TransactionInput{
		Date:        date,
		Currency:    currency,
		Description: desc,
		Amount:      dec(t, amount),
		Type:        typ,
	})
	require.NoError(t, err)
	return tx
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{120, 120, 120, 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func rowCount(t *testing.T, s *Store) int64 {
	t.Helper()
	var count int64
	require.NoError(t, s.db.Model(&models.Transaction{}).Count(&count).Error)
	return count
}

func TestAddTransactionRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)
	sess := adminSession(t, s)

	base := TransactionInput{
		Currency:    "EUR",
		Description: "coffee",
		Amount:      dec(t, "10"),
		Type:        models.TypeExpense,
	}

	for name, mutate := range map[string]func(*TransactionInput){
		"zero amount":      func(in *TransactionInput) { in.Amount = decimal.Zero },
		"negative amount":  func(in *TransactionInput) { in.Amount = dec(t, "-5") },
		"blank desc":       func(in *TransactionInput) { in.Description = "   " },
		"unknown currency": func(in *TransactionInput) { in.Currency = "JPY" },
		"unknown type":     func(in *TransactionInput) { in.Type = "transfer" },
	} {
		in := base
		mutate(&in)
		_, err := s.AddTransaction(sess, in)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
	// no rejected input may leave a row behind
	assert.Equal(t, int64(0), rowCount(t, s))
}

func TestNonAdminCannotBackdate(t *testing.T) {
	s := newTestStore(t)
	sess := userSession(t, s, "clerk", false)

	backdated := time.Now().UTC().Add(-30 * 24 * time.Hour)
	tx := addTx(t, s, sess, backdated, "EUR", "old rent", "100", models.TypeExpense)
	assert.WithinDuration(t, time.Now(), tx.RegistrationDate, 5*time.Second)

	admin := adminSession(t, s)
	tx = addTx(t, s, admin, backdated, "EUR", "old rent", "100", models.TypeExpense)
	assert.WithinDuration(t, backdated, tx.RegistrationDate, time.Second)
}

func TestDocumentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := adminSession(t, s)

	data := testJPEG(t, 40, 40)
	doc, err := docvalidate.Validate(data, "receipt.jpg", docvalidate.DefaultLimits)
	require.NoError(t, err)

	tx, err := s.AddTransaction(sess, TransactionInput{
		Currency:    "USD",
		Description: "printer",
		Amount:      dec(t, "59.99"),
		Type:        models.TypeExpense,
		Document:    doc,
	})
	require.NoError(t, err)
	require.True(t, tx.HasDocument())

	got, name, err := s.GetDocument(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "receipt.jpg", name)
	assert.Equal(t, doc.Hash, docvalidate.Hash(got))
}

func TestGetDocumentIntegrityFailure(t *testing.T) {
	s := newTestStore(t)
	sess := adminSession(t, s)

	doc, err := docvalidate.Validate(testJPEG(t, 40, 40), "receipt.jpg", docvalidate.DefaultLimits)
	require.NoError(t, err)
	tx, err := s.AddTransaction(sess, TransactionInput{
		Currency:    "EUR",
		Description: "chairs",
		Amount:      dec(t, "250"),
		Type:        models.TypeExpense,
		Document:    doc,
	})
	require.NoError(t, err)

	// corrupt the stored bytes underneath the hash
	require.NoError(t, s.db.Model(&models.Transaction{}).
		Where("id = ?", tx.ID).
		Update("document", []byte("tampered")).Error)

	_, _, err = s.GetDocument(tx.ID)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestGetDocumentMissing(t *testing.T) {
	s := newTestStore(t)
	sess := adminSession(t, s)

	tx := addTx(t, s, sess, time.Time{}, "EUR", "no receipt", "10", models.TypeIncome)
	_, _, err := s.GetDocument(tx.ID)
	assert.ErrorIs(t, err, ErrNoDocument)

	_, _, err = s.GetDocument(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentUploadRequiresCapability(t *testing.T) {
	s := newTestStore(t)
	sess := userSession(t, s, "clerk", false)

	doc, err := docvalidate.Validate(testJPEG(t, 20, 20), "receipt.jpg", docvalidate.DefaultLimits)
	require.NoError(t, err)
	_, err = s.AddTransaction(sess, TransactionInput{
		Currency:    "EUR",
		Description: "lunch",
		Amount:      dec(t, "12"),
		Type:        models.TypeExpense,
		Document:    doc,
	})
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, int64(0), rowCount(t, s))

	allowed := userSession(t, s, "uploader", true)
	_, err = s.AddTransaction(allowed, TransactionInput{
		Currency:    "EUR",
		Description: "lunch",
		Amount:      dec(t, "12"),
		Type:        models.TypeExpense,
		Document:    doc,
	})
	assert.NoError(t, err)
}

func TestSoftDelete(t *testing.T) {
	s := newTestStore(t)
	admin := adminSession(t, s)

	keep := addTx(t, s, admin, time.Time{}, "EUR", "keep me", "100", models.TypeIncome)
	gone := addTx(t, s, admin, time.Time{}, "EUR", "delete me", "40", models.TypeExpense)

	require.NoError(t, s.SoftDeleteTransaction(adminSession(t, s), gone.ID))

	// removed from aggregates and reports
	balances, err := s.Balances()
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Expense.IsZero(), "deleted expense must not count")

	f := ReportFilter{From: time.Now().Add(-time.Hour), To: time.Now().Add(time.Hour)}
	rows, err := s.FilteredTransactions(f)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, keep.ID, rows[0].ID)

	// but not from the underlying table
	assert.Equal(t, int64(2), rowCount(t, s))

	// history view still shows it, with the deleter resolved
	f.IncludeDeleted = true
	rows, err = s.FilteredTransactions(f)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// idempotent: a second delete succeeds and changes nothing
	var first models.Transaction
	require.NoError(t, s.db.First(&first, gone.ID).Error)
	require.NoError(t, s.SoftDeleteTransaction(adminSession(t, s), gone.ID))
	var second models.Transaction
	require.NoError(t, s.db.First(&second, gone.ID).Error)
	assert.Equal(t, first.DeletedDate, second.DeletedDate)

	// unknown id
	assert.ErrorIs(t, s.SoftDeleteTransaction(adminSession(t, s), 9999), ErrNotFound)
}

func TestSoftDeleteAdminOnly(t *testing.T) {
	s := newTestStore(t)
	admin := adminSession(t, s)
	tx := addTx(t, s, admin, time.Time{}, "USD", "protected", "10", models.TypeIncome)

	clerk := userSession(t, s, "clerk", false)
	assert.ErrorIs(t, s.SoftDeleteTransaction(clerk, tx.ID), ErrPermission)
}

func TestBalancesAggregation(t *testing.T) {
	s := newTestStore(t)
	admin := adminSession(t, s)

	addTx(t, s, admin, time.Time{}, "EUR", "salary", "100", models.TypeIncome)
	addTx(t, s, admin, time.Time{}, "EUR", "rent", "40", models.TypeExpense)
	addTx(t, s, admin, time.Time{}, "USD", "consulting", "50", models.TypeIncome)

	balances, err := s.Balances()
	require.NoError(t, err)
	require.Len(t, balances, 2, "currencies with no rows must be absent")

	byCurrency := map[string]Balance{}
	for _, b := range balances {
		byCurrency[b.Currency] = b
	}
	assert.True(t, byCurrency["EUR"].Income.Equal(dec(t, "100")))
	assert.True(t, byCurrency["EUR"].Expense.Equal(dec(t, "40")))
	assert.True(t, byCurrency["USD"].Income.Equal(dec(t, "50")))
	assert.True(t, byCurrency["USD"].Expense.IsZero())
}

func TestFilteredTransactions(t *testing.T) {
	s := newTestStore(t)
	admin := adminSession(t, s)

	d1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 3, 31, 23, 59, 0, 0, time.UTC)

	before := addTx(t, s, admin, d1.Add(-time.Minute), "EUR", "February Rent", "500", models.TypeExpense)
	atStart := addTx(t, s, admin, d1, "EUR", "March Rent", "500", models.TypeExpense)
	middle := addTx(t, s, admin, d1.AddDate(0, 0, 14), "USD", "consulting income", "900", models.TypeIncome)
	atEnd := addTx(t, s, admin, d2, "GBP", "office supplies", "60", models.TypeExpense)
	after := addTx(t, s, admin, d2.Add(time.Minute), "EUR", "April Rent", "500", models.TypeExpense)

	rows, err := s.FilteredTransactions(ReportFilter{From: d1, To: d2})
	require.NoError(t, err)
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []uint{atStart.ID, middle.ID, atEnd.ID}, ids,
		"interval is inclusive on both ends; %d and %d fall outside", before.ID, after.ID)

	// case-insensitive substring on description
	rows, err = s.FilteredTransactions(ReportFilter{From: d1, To: d2, Description: "RENT"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, atStart.ID, rows[0].ID)
	assert.Equal(t, "admin", rows[0].CreatedBy)

	// "All" means no filter
	rows, err = s.FilteredTransactions(ReportFilter{From: d1, To: d2, Currency: "All", Type: "All"})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	// exact currency and type filters
	rows, err = s.FilteredTransactions(ReportFilter{From: d1, To: d2, Currency: "USD"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, middle.ID, rows[0].ID)

	rows, err = s.FilteredTransactions(ReportFilter{From: d1, To: d2, Type: "Expense"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUserManagement(t *testing.T) {
	s := newTestStore(t)
	admin := adminSession(t, s)

	created, err := s.CreateUser(admin, "blerta", "hunter2", models.RoleUser, true)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, created.Role)
	assert.True(t, created.CanUploadDocuments)

	_, err = s.CreateUser(admin, "blerta", "hunter2", models.RoleUser, false)
	assert.ErrorIs(t, err, ErrDuplicateUser)

	_, err = s.CreateUser(admin, "short", "12345", models.RoleUser, false)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.CreateUser(admin, "weirdrole", "hunter2", "superuser", false)
	assert.ErrorIs(t, err, ErrInvalidInput)

	clerk := sessionFor(created)
	_, err = s.CreateUser(clerk, "other", "hunter2", models.RoleUser, false)
	assert.ErrorIs(t, err, ErrPermission)

	// authenticate against the stored hash
	u, err := s.Authenticate("blerta", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)
	_, err = s.Authenticate("blerta", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate("nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// password replaced in place
	require.NoError(t, s.ChangePassword(admin, created.ID, "newpass7"))
	_, err = s.Authenticate("blerta", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate("blerta", "newpass7")
	assert.NoError(t, err)
	assert.ErrorIs(t, s.ChangePassword(admin, 9999, "newpass7"), ErrNotFound)
	assert.ErrorIs(t, s.ChangePassword(clerk, created.ID, "newpass7"), ErrPermission)

	// upload capability flips independently of role
	require.NoError(t, s.ChangeUploadPermission(admin, created.ID, false))
	u, err = s.Authenticate("blerta", "newpass7")
	require.NoError(t, err)
	assert.False(t, u.CanUploadDocuments)
	assert.ErrorIs(t, s.ChangeUploadPermission(clerk, created.ID, true), ErrPermission)

	users, err := s.ListUsers(admin)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "admin", users[0].Username, "ordered by username")
	assert.Equal(t, "blerta", users[1].Username)
	_, err = s.ListUsers(clerk)
	assert.ErrorIs(t, err, ErrPermission)
}

func TestRetryReconnects(t *testing.T) {
	s := newTestStore(t)
	admin := adminSession(t, s)
	addTx(t, s, admin, time.Time{}, "EUR", "persisted", "10", models.TypeIncome)

	// kill the live connection; the next operation must reconnect and succeed
	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	balances, err := s.Balances()
	require.NoError(t, err)
	assert.Len(t, balances, 1)
}

func TestKeepaliveStop(t *testing.T) {
	s := newTestStore(t)

	stop := s.StartKeepalive(5 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	stop()
	stop() // second call is a no-op, not a panic

	// store still usable after the keepalive is gone
	_, err := s.Balances()
	assert.NoError(t, err)
}

func TestReconnectFailureSurfacesCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arka.db")
	open := sqliteOpener(path)
	calls := 0
	flaky := func() (*gorm.DB, error) {
		calls++
		if calls == 1 {
			return open()
		}
		return nil, errors.New("connection refused")
	}
	s, err := NewStore(flaky, discardLogger())
	require.NoError(t, err)

	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = s.Balances()
	assert.ErrorIs(t, err, ErrUnavailable)
}
