package accounts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	users     map[string]*User
	createErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{users: make(map[string]*User)}
}

func (m *memoryStore) CreateUser(_ context.Context, user *User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.users[user.ID] = user
	return nil
}

func (m *memoryStore) FindByID(_ context.Context, id string) (*User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (m *memoryStore) FindByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryStore) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := m.FindByEmail(ctx, email)
	return err == nil, nil
}

func (m *memoryStore) IdentificationExists(_ context.Context, number string) (bool, error) {
	for _, u := range m.users {
		if u.IdentificationNumber == number {
			return true, nil
		}
	}
	return false, nil
}

type stubIssuer struct{}

func (stubIssuer) Issue(userID, role string) (string, error) {
	return "token-" + userID + "-" + role, nil
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Email:                "Ana.Perez@Example.COM",
		IdentificationNumber: " 1020304050 ",
		FirstName:            "Ana",
		LastName:             "Pérez",
		Gender:               "Femenino",
		Phone:                "3001234567",
		DateOfBirth:          "1990-04-12",
		Password:             "Secreta123",
		PasswordConfirmation: "Secreta123",
	}
}

func TestUserPasswordIsHashed(t *testing.T) {
	u := &User{}
	require.NoError(t, u.SetPassword("Secreta123"))

	assert.True(t, u.VerifyPassword("Secreta123"))
	assert.False(t, u.VerifyPassword("secreta123"))

	value, err := u.Password.Value()
	require.NoError(t, err)
	assert.NotEqual(t, "Secreta123", value)

	var empty User
	assert.False(t, empty.VerifyPassword(""))
}

func TestPasswordHashScan(t *testing.T) {
	var p passwordHash
	require.NoError(t, p.Scan([]byte("abc")))
	assert.Equal(t, "abc", p.hash)
	require.NoError(t, p.Scan(nil))
	assert.Equal(t, "", p.hash)
	assert.Error(t, p.Scan(42))
}

func TestRegisterCreatesPatientSession(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, stubIssuer{}, zap.NewNop())

	session, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)

	user := session.User
	assert.Equal(t, RolePatient, user.Role)
	assert.True(t, user.IsActive)
	assert.Equal(t, "Ana.Perez@example.com", user.Email)
	assert.Equal(t, "1020304050", user.IdentificationNumber)
	assert.Equal(t, "Ana Pérez", user.FullName())
	assert.Equal(t, 1990, user.DateOfBirth.Year())
	assert.True(t, user.VerifyPassword("Secreta123"))
	assert.Equal(t, "token-"+user.ID+"-patient", session.AccessToken)
	assert.Len(t, store.users, 1)
}

func TestRegisterReportsEveryInvalidField(t *testing.T) {
	svc := NewService(newMemoryStore(), stubIssuer{}, zap.NewNop())

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:                "not-an-email",
		Gender:               "Alien",
		DateOfBirth:          "12/04/1990",
		Password:             "short",
		PasswordConfirmation: "different",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"email", "identification_number", "first_name", "last_name", "gender", "date_of_birth", "password", "password_confirmation"} {
		assert.Contains(t, verr.Fields, field)
	}
	assert.Len(t, verr.Fields["password"], 3)
}

func TestRegisterRejectsPasswordBcryptCannotHash(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, stubIssuer{}, zap.NewNop())

	req := validRequest()
	req.Password = "Aa1" + strings.Repeat("x", 80)
	req.PasswordConfirmation = req.Password

	_, err := svc.Register(context.Background(), req)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"La contraseña no puede superar 72 bytes."}, verr.Fields["password"])
	assert.Empty(t, store.users)
}

func TestRegisterFieldMessages(t *testing.T) {
	req := validRequest()
	req.FirstName = "   "
	req.Gender = "Alien"
	req.PasswordConfirmation = "Secreta124"

	_, err := NewService(newMemoryStore(), stubIssuer{}, zap.NewNop()).Register(context.Background(), req)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string][]string{
		"first_name":            {"Este campo es obligatorio."},
		"gender":                {"Seleccione una opción válida."},
		"password_confirmation": {"Las contraseñas no coinciden."},
	}, verr.Fields)
}

func TestFieldErrors(t *testing.T) {
	assert.Nil(t, FieldErrors(nil))
	assert.Nil(t, FieldErrors(errors.New("boom")))

	type login struct {
		Email string `json:"email" binding:"required,email"`
		Note  string `binding:"required"`
	}
	verr := FieldErrors(requestValidator.Struct(login{Email: "nope"}))
	require.NotNil(t, verr)
	assert.Equal(t, []string{"Introduzca un correo electrónico válido."}, verr.Fields["email"])
	assert.Equal(t, []string{"Este campo es obligatorio."}, verr.Fields["Note"])
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, stubIssuer{}, zap.NewNop())
	_, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), validRequest())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "identification_number")
}

func TestRegisterSurfacesStoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.createErr = ErrDuplicate
	svc := NewService(store, stubIssuer{}, zap.NewNop())

	_, err := svc.Register(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestLogin(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, stubIssuer{}, zap.NewNop())
	registered, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)

	session, err := svc.Login(context.Background(), " ana.perez@example.com", "Secreta123")
	require.Error(t, err, "local part is case-sensitive")
	assert.Nil(t, session)

	session, err = svc.Login(context.Background(), "Ana.Perez@EXAMPLE.com", "Secreta123")
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, session.User.ID)

	_, err = svc.Login(context.Background(), "Ana.Perez@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), "nobody@example.com", "Secreta123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	registered.User.IsActive = false
	_, err = svc.Login(context.Background(), "Ana.Perez@example.com", "Secreta123")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestCreateDoctorAndProfile(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, stubIssuer{}, zap.NewNop())

	doctor, err := svc.CreateDoctor(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, doctor.IsDoctor())

	profile, err := svc.Profile(context.Background(), doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, doctor, profile)

	_, err = svc.Profile(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	doctor.IsActive = false
	_, err = svc.Profile(context.Background(), doctor.ID)
	assert.ErrorIs(t, err, ErrInactive)
}
