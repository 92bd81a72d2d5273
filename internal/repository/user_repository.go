package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/example/skin-check/internal/accounts"
)

// UserRepository stores accounts in the users table.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

var _ accounts.Store = (*UserRepository)(nil)

// CreateUser inserts user. Unique violations map to accounts.ErrDuplicate.
func (r *UserRepository) CreateUser(ctx context.Context, user *accounts.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return accounts.ErrDuplicate
	}
	return err
}

// FindByID loads a user by primary key.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*accounts.User, error) {
	return r.first(ctx, "id = ?", id)
}

// FindByEmail loads a user by exact email.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*accounts.User, error) {
	return r.first(ctx, "email = ?", email)
}

// EmailExists reports whether email is already registered.
func (r *UserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, "email = ?", email)
}

// IdentificationExists reports whether the identification number is taken.
func (r *UserRepository) IdentificationExists(ctx context.Context, number string) (bool, error) {
	return r.exists(ctx, "identification_number = ?", number)
}

func (r *UserRepository) first(ctx context.Context, query string, arg string) (*accounts.User, error) {
	var user accounts.User
	err := r.db.WithContext(ctx).First(&user, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, accounts.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) exists(ctx context.Context, query string, arg string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&accounts.User{}).Where(query, arg).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AutoMigrate ensures the schema is available.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&accounts.User{}, &DiagnosticRecord{})
}
