package store

import "time"

// GORM models used for persistence.
type PatientModel struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	CPF       string `gorm:"column:cpf;size:11;uniqueIndex;not null"`
	BirthDate time.Time
	Address   string
	Sex       string    `gorm:"size:1"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type UserModel struct {
	ID           uint      `gorm:"primaryKey"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// Role sub-records: one row per user, for the active role only.
type PhysicianModel struct {
	UserID        uint   `gorm:"primaryKey"`
	LicenseNumber string `gorm:"not null"`
	LicenseState  string `gorm:"size:2;not null"`
}

type BiomedicalModel struct {
	UserID        uint   `gorm:"primaryKey"`
	LicenseNumber string `gorm:"not null"`
	LicenseState  string `gorm:"size:2;not null"`
}

type NurseModel struct {
	UserID        uint   `gorm:"primaryKey"`
	LicenseNumber string `gorm:"not null"`
	LicenseState  string `gorm:"size:2;not null"`
}

type SampleModel struct {
	ID           uint      `gorm:"primaryKey"`
	PatientID    *uint     `gorm:"index"`
	CapturedAt   time.Time `gorm:"not null;index"`
	Height       float64
	Width        float64
	Thickness    float64
	DoctorNote   string `gorm:"type:text"`
	AINote       string `gorm:"column:ai_note;type:text"`
	Image        []byte
	DoctorUserID *uint `gorm:"index"`
}
