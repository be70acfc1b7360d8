package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"arka/models"
	"arka/pkg/docvalidate"
)

// API holds what the handlers need; the UI layer (whatever renders these
// responses) is expected to call the validator-then-store sequence through
// these endpoints and re-render balances/reports after any mutating call.
type API struct {
	store        *Store
	log          *logrus.Logger
	limits       docvalidate.Limits
	cleanupDelay time.Duration
}

func setupRoutes(r *gin.Engine, a *API) {
	r.POST("/login", a.loginHandler)

	authGroup := r.Group("")
	authGroup.Use(authMiddleware())
	authGroup.GET("/me", a.meHandler)
	authGroup.POST("/transactions", a.createTransactionHandler)
	authGroup.GET("/transactions", a.listTransactionsHandler)
	authGroup.DELETE("/transactions/:id", a.deleteTransactionHandler)
	authGroup.GET("/transactions/:id/document", a.getDocumentHandler)
	authGroup.GET("/balances", a.balancesHandler)
	authGroup.GET("/report/export", a.exportReportHandler)
	authGroup.GET("/users", a.listUsersHandler)
	authGroup.POST("/users", a.createUserHandler)
	authGroup.PUT("/users/:id/password", a.changePasswordHandler)
	authGroup.PUT("/users/:id/upload", a.changeUploadHandler)
}

func authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		sess, err := parseToken(authHeader[7:])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("session", sess)
		c.Next()
	}
}

func sessionFromContext(c *gin.Context) (Session, bool) {
	v, ok := c.Get("session")
	if !ok {
		return Session{}, false
	}
	sess, ok := v.(Session)
	return sess, ok
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoDocument):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateUser):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) abortError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (a *API) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := a.store.Authenticate(req.Username, req.Password)
	if err != nil {
		a.abortError(c, err)
		return
	}
	token, err := issueToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (a *API) meHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    sess.UserID,
		"username":   sess.Username,
		"role":       sess.Role,
		"can_upload": sess.CanUpload,
	})
}

// parseDate accepts RFC3339 or the report display format DD-MM-YYYY HH:MM.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(displayDateFormat, s)
}

// createTransactionHandler accepts JSON, or multipart form data when a
// receipt document is attached. Attaching requires the upload capability.
func (a *API) createTransactionHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		Date        string `json:"date" form:"date"`
		Currency    string `json:"currency" form:"currency" binding:"required"`
		Description string `json:"description" form:"description" binding:"required"`
		Amount      string `json:"amount" form:"amount" binding:"required"`
		Type        string `json:"type" form:"type" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	var date time.Time
	if req.Date != "" {
		if date, err = parseDate(req.Date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format"})
			return
		}
	}

	var doc *docvalidate.Document
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, ferr := c.FormFile("document")
		switch {
		case ferr == nil:
			// enforce the size cap from the part metadata so an oversized
			// upload is never read into memory
			if file.Size > a.limits.MaxBytes {
				verr := fmt.Errorf("%w: %d bytes (max %d)", docvalidate.ErrTooLarge, file.Size, a.limits.MaxBytes)
				a.log.WithFields(logrus.Fields{
					"filename": file.Filename,
					"user":     sess.Username,
					"reason":   verr.Error(),
				}).Warn("document rejected")
				c.JSON(http.StatusBadRequest, gin.H{"error": "document rejected: " + verr.Error()})
				return
			}
			f, err := file.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "could not read document"})
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "could not read document"})
				return
			}
			doc, err = docvalidate.Validate(data, file.Filename, a.limits)
			if err != nil {
				a.log.WithFields(logrus.Fields{
					"filename": file.Filename,
					"user":     sess.Username,
					"reason":   err.Error(),
				}).Warn("document rejected")
				c.JSON(http.StatusBadRequest, gin.H{"error": "document rejected: " + err.Error()})
				return
			}
			a.log.WithFields(logrus.Fields{
				"filename": doc.FileName,
				"size":     doc.Size,
				"hash":     doc.Hash,
			}).Info("document accepted")
		case errors.Is(ferr, http.ErrMissingFile):
			// no document attached
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document upload"})
			return
		}
	}

	tx, err := a.store.AddTransaction(sess, TransactionInput{
		Date:        date,
		Currency:    req.Currency,
		Description: req.Description,
		Amount:      amount,
		Type:        models.TransactionType(strings.ToLower(req.Type)),
		Document:    doc,
	})
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// reportFilterFromQuery parses the shared filter params for listing and
// exporting. include_deleted is admin only.
func (a *API) reportFilterFromQuery(c *gin.Context, sess Session) (ReportFilter, bool) {
	from, err := parseDate(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or missing 'from' date"})
		return ReportFilter{}, false
	}
	to, err := parseDate(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or missing 'to' date"})
		return ReportFilter{}, false
	}
	f := ReportFilter{
		From:        from,
		To:          to,
		Description: c.Query("description"),
		Currency:    c.Query("currency"),
		Type:        c.Query("type"),
	}
	if c.Query("include_deleted") == "true" {
		if !sess.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "only admin users can view deleted transactions"})
			return ReportFilter{}, false
		}
		f.IncludeDeleted = true
	}
	return f, true
}

func (a *API) listTransactionsHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	f, ok := a.reportFilterFromQuery(c, sess)
	if !ok {
		return
	}
	rows, err := a.store.FilteredTransactions(f)
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *API) deleteTransactionHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	if err := a.store.SoftDeleteTransaction(sess, uint(id)); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction deleted"})
}

// getDocumentHandler extracts the verified document to a temp file, serves
// it, and schedules removal after a fixed delay. Cleanup is scheduled even
// when the revalidation or serve fails.
func (a *API) getDocumentHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	data, name, err := a.store.GetDocument(uint(id))
	if err != nil {
		a.abortError(c, err)
		return
	}
	path, err := extractTemp(data, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not extract document"})
		return
	}
	defer a.scheduleCleanup(path)

	// The temp copy goes through the validator again before it is handed to
	// a viewer.
	if _, err := docvalidate.ValidateFile(path, a.limits); err != nil {
		a.log.WithFields(logrus.Fields{"transaction_id": id, "document_name": name, "reason": err.Error()}).
			Error("stored document failed revalidation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document failed validation"})
		return
	}
	c.FileAttachment(path, name)
}

// scheduleCleanup removes the temp file's directory after the configured
// delay, giving a viewer process time to open it first.
func (a *API) scheduleCleanup(path string) {
	dir := filepath.Dir(path)
	time.AfterFunc(a.cleanupDelay, func() {
		if err := os.RemoveAll(dir); err != nil {
			a.log.WithError(err).WithField("dir", dir).Warn("temp document cleanup failed")
		}
	})
}

func (a *API) balancesHandler(c *gin.Context) {
	balances, err := a.store.Balances()
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, balances)
}

func (a *API) exportReportHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	f, ok := a.reportFilterFromQuery(c, sess)
	if !ok {
		return
	}
	rows, err := a.store.FilteredTransactions(f)
	if err != nil {
		a.abortError(c, err)
		return
	}

	var buf bytes.Buffer
	switch format := c.DefaultQuery("format", "csv"); format {
	case "csv":
		if err := writeCSV(&buf, rows); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="report.csv"`)
		c.Data(http.StatusOK, "text/csv", buf.Bytes())
	case "xlsx":
		if err := writeXLSX(&buf, rows); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="report.xlsx"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	case "pdf":
		if err := writePDF(&buf, rows); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="report.pdf"`)
		c.Data(http.StatusOK, "application/pdf", buf.Bytes())
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown format " + format})
	}
}

func (a *API) listUsersHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	users, err := a.store.ListUsers(sess)
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (a *API) createUserHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		Username  string `json:"username" binding:"required"`
		Password  string `json:"password" binding:"required"`
		Role      string `json:"role" binding:"required"`
		CanUpload bool   `json:"can_upload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := a.store.CreateUser(sess, req.Username, req.Password, req.Role, req.CanUpload)
	if err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *API) changePasswordHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var req struct {
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.ChangePassword(sess, uint(id), req.NewPassword); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password changed"})
}

func (a *API) changeUploadHandler(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var req struct {
		CanUpload *bool `json:"can_upload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.ChangeUploadPermission(sess, uint(id), *req.CanUpload); err != nil {
		a.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "upload permission updated"})
}
