package store

import (
	"errors"

	"microlab/pkg/domain"
)

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned on uniqueness violations (duplicate CPF,
	// duplicate email). Callers surface it distinctly from validation
	// failures.
	ErrConflict = errors.New("record conflicts with an existing one")
)

// Store defines persistence operations for patients, users and samples.
type Store interface {
	// patients
	CreatePatient(p domain.Patient) (domain.Patient, error)
	GetPatient(id uint) (domain.Patient, bool, error)
	ListPatients() ([]domain.Patient, error)
	UpdatePatient(p domain.Patient) error
	DeletePatient(id uint) error
	FindPatientByCPF(cpf string) (domain.Patient, bool, error)

	// users
	CreateUser(u domain.User) (domain.User, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id uint) (domain.User, bool, error)
	// UpdateUserProfile updates name/email/role and replaces the
	// role-specific license sub-record as one atomic unit. Leaving the
	// physician role unassigns the user's samples.
	UpdateUserProfile(id uint, name, email string, role domain.Role, license domain.License) error
	DeleteUser(id uint) error

	// samples
	CreateSample(s domain.Sample) (domain.Sample, error)
	ListSamples() ([]domain.SampleSummary, error)
	GetSample(id uint) (domain.SampleSummary, bool, error)
	GetSampleImage(id uint) ([]byte, bool, error)
	Dashboard() ([]domain.DashboardRow, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID uint) (string, error)
	GetUserIDByToken(token string) (uint, bool, error)
	DeleteSession(token string) error
}
