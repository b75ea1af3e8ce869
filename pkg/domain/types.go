package domain

import "time"

// Role is the professional role of a user. The integer codes match the
// legacy schema and must not be reordered.
type Role int

const (
	RoleUnassigned Role = 0
	RolePhysician  Role = 1
	RoleBiomedical Role = 2
	RoleNurse      Role = 3
)

// Valid reports whether the role is one of the known codes.
func (r Role) Valid() bool {
	return r >= RoleUnassigned && r <= RoleNurse
}

func (r Role) String() string {
	switch r {
	case RolePhysician:
		return "physician"
	case RoleBiomedical:
		return "biomedical"
	case RoleNurse:
		return "nurse"
	default:
		return "unassigned"
	}
}

type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexOther  Sex = "O"
)

func (s Sex) Valid() bool {
	switch s {
	case SexMale, SexFemale, SexOther:
		return true
	}
	return false
}

// License is the role-specific professional registration (CRM, CRBM or
// COREN depending on the role). A user holds at most one, for the active
// role only.
type License struct {
	Number string `json:"number"`
	State  string `json:"state"`
}

type Patient struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	CPF       string    `json:"cpf"`
	BirthDate time.Time `json:"birthDate"`
	Address   string    `json:"address,omitempty"`
	Sex       Sex       `json:"sex"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID           uint      `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	License      *License  `json:"license,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Sample is one recorded specimen measurement. PatientID and DoctorUserID
// are nullable: walk-in captures have no linked patient, and samples stay
// visible after the submitting physician leaves the role.
type Sample struct {
	ID           uint      `json:"id"`
	PatientID    *uint     `json:"patientId,omitempty"`
	CapturedAt   time.Time `json:"capturedAt"`
	Height       float64   `json:"height"`
	Width        float64   `json:"width"`
	Thickness    float64   `json:"thickness"`
	DoctorNote   string    `json:"doctorNote"`
	AINote       string    `json:"aiNote"`
	Image        []byte    `json:"-"`
	DoctorUserID *uint     `json:"doctorUserId,omitempty"`
}

// PatientRef is the joined patient projection carried on sample rows.
type PatientRef struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	CPF  string `json:"cpf"`
}

// UserRef is the joined submitter projection carried on sample rows.
type UserRef struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// SampleSummary is a sample row joined to its optional patient and
// submitting user. The image blob itself is never inlined; HasImage tells
// clients whether the image endpoint will serve bytes.
type SampleSummary struct {
	ID         uint        `json:"id"`
	CapturedAt time.Time   `json:"capturedAt"`
	Height     float64     `json:"height"`
	Width      float64     `json:"width"`
	Thickness  float64     `json:"thickness"`
	DoctorNote string      `json:"doctorNote"`
	AINote     string      `json:"aiNote"`
	HasImage   bool        `json:"hasImage"`
	Patient    *PatientRef `json:"patient,omitempty"`
	Doctor     *UserRef    `json:"doctor,omitempty"`
}

// DashboardRow pairs a patient with one of their samples. Patients with
// no samples appear once with a nil Sample.
type DashboardRow struct {
	Patient PatientRef     `json:"patient"`
	Sample  *SampleSummary `json:"sample,omitempty"`
}
