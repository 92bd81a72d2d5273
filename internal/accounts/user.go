// Package accounts holds registered users and the credential rules that
// guard them.
package accounts

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Roles.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// User is a registered account. The password hash is only reachable through
// SetPassword and VerifyPassword.
type User struct {
	ID                   string       `gorm:"column:id;primaryKey;size:36" json:"id"`
	Email                string       `gorm:"column:email;uniqueIndex;size:254;not null" json:"email"`
	IdentificationNumber string       `gorm:"column:identification_number;uniqueIndex;size:50;not null" json:"identification_number"`
	FirstName            string       `gorm:"column:first_name;size:100" json:"first_name"`
	LastName             string       `gorm:"column:last_name;size:100" json:"last_name"`
	Gender               string       `gorm:"column:gender;size:20" json:"gender"`
	Phone                string       `gorm:"column:phone;size:20" json:"phone"`
	DateOfBirth          time.Time    `gorm:"column:date_of_birth;type:date" json:"-"`
	Password             passwordHash `gorm:"column:password;type:varchar(255);not null" json:"-"`
	Role                 string       `gorm:"column:role;size:20;default:patient" json:"role"`
	IsActive             bool         `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt            time.Time    `gorm:"column:created_at" json:"-"`
	UpdatedAt            time.Time    `gorm:"column:updated_at" json:"-"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users_user"
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// IsDoctor reports whether the user may see every diagnostic record.
func (u *User) IsDoctor() bool {
	return u.Role == RoleDoctor
}

// SetPassword hashes raw with bcrypt and stores the hash.
func (u *User) SetPassword(raw string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.Password = passwordHash{hash: string(hash)}
	return nil
}

// VerifyPassword reports whether raw matches the stored hash.
func (u *User) VerifyPassword(raw string) bool {
	if u.Password.hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.Password.hash), []byte(raw)) == nil
}

// passwordHash is opaque outside this package; it only knows how to travel
// to and from the database column.
type passwordHash struct {
	hash string
}

// Value implements driver.Valuer.
func (p passwordHash) Value() (driver.Value, error) {
	return p.hash, nil
}

// Scan implements sql.Scanner.
func (p *passwordHash) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		p.hash = ""
	case string:
		p.hash = v
	case []byte:
		p.hash = string(v)
	default:
		return errors.New("unsupported password column type")
	}
	return nil
}
