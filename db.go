package main

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"arka/models"
)

// postgresOpener returns the connection factory the Store uses for the initial
// connect and for reconnect attempts.
func postgresOpener(dsn string) func() (*gorm.DB, error) {
	return func() (*gorm.DB, error) {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
}

// migrate creates the schema. Users first so the transaction audit columns can
// reference them.
func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.User{}); err != nil {
		return err
	}
	return db.AutoMigrate(&models.Transaction{})
}

// seedDefaultAdmin provisions the administrator account on first run. The
// admin can upload documents out of the box.
func seedDefaultAdmin(db *gorm.DB, log *logrus.Logger) error {
	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", "admin").Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	admin := models.User{
		Username:           "admin",
		HashedPassword:     hashed,
		Role:               models.RoleAdmin,
		CanUploadDocuments: true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}
	log.Info("seeded default admin user: username=admin, password=admin123")
	return nil
}
