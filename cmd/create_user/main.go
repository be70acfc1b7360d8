package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"arka/models"
)

func main() {
	role := flag.String("role", models.RoleUser, "account role (admin or user)")
	canUpload := flag.Bool("can-upload", false, "allow document uploads")
	flag.Parse()

	if flag.NArg() < 2 {
		fmt.Println("usage: go run ./cmd/create_user [-role admin|user] [-can-upload] <username> <password>")
		os.Exit(2)
	}
	username := flag.Arg(0)
	password := flag.Arg(1)

	if !models.ValidRole(*role) {
		log.Fatalf("unknown role %q", *role)
	}
	if len(password) < 6 {
		log.Fatal("password too short (min 6)")
	}

	dsn := os.Getenv("DB_DSN")
	if strings.TrimSpace(dsn) == "" {
		log.Fatal("DB_DSN not set in environment")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}

	// check existing
	var existing models.User
	if err := db.Where("username = ?", username).First(&existing).Error; err == nil {
		fmt.Printf("user %s already exists (id=%d)\n", username, existing.ID)
		os.Exit(0)
	}

	hpw, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("bcrypt failed: %v", err)
	}
	user := models.User{
		Username:           username,
		HashedPassword:     hpw,
		Role:               *role,
		CanUploadDocuments: *canUpload,
	}
	if err := db.Create(&user).Error; err != nil {
		log.Fatalf("failed to create user: %v", err)
	}
	fmt.Printf("created user %s id=%d role=%s\n", username, user.ID, user.Role)
}
