package store

import (
	"sort"
	"sync"
	"time"

	"microlab/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs handler and service
// tests and mirrors the GormStore semantics, including role-switch
// atomicity: every mutation is staged and committed in one step under the
// lock.
type MemoryStore struct {
	mu        sync.RWMutex
	patients  map[uint]domain.Patient
	users     map[uint]domain.User
	licenses  map[uint]domain.License // keyed by user ID, active role only
	samples   map[uint]domain.Sample
	nextID    uint
	// FailUpdate, when set, is invoked in the middle of UpdateUserProfile
	// to simulate a storage failure partway through the role switch.
	FailUpdate func() error
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients: make(map[uint]domain.Patient),
		users:    make(map[uint]domain.User),
		licenses: make(map[uint]domain.License),
		samples:  make(map[uint]domain.Sample),
		nextID:   1,
	}
}

func (m *MemoryStore) allocID() uint {
	id := m.nextID
	m.nextID++
	return id
}

// CreatePatient inserts a patient, enforcing CPF uniqueness.
func (m *MemoryStore) CreatePatient(p domain.Patient) (domain.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.CPF == p.CPF {
			return domain.Patient{}, ErrConflict
		}
	}
	p.ID = m.allocID()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.patients[p.ID] = p
	return p, nil
}

// GetPatient retrieves a patient by ID.
func (m *MemoryStore) GetPatient(id uint) (domain.Patient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	return p, ok, nil
}

// ListPatients returns patients ordered by name.
func (m *MemoryStore) ListPatients() ([]domain.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Patient, 0, len(m.patients))
	for _, p := range m.patients {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// UpdatePatient replaces a patient's editable fields.
func (m *MemoryStore) UpdatePatient(p domain.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.patients {
		if id != p.ID && other.CPF == p.CPF {
			return ErrConflict
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	m.patients[p.ID] = p
	return nil
}

// DeletePatient removes a patient and unlinks its samples.
func (m *MemoryStore) DeletePatient(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrNotFound
	}
	delete(m.patients, id)
	for sid, s := range m.samples {
		if s.PatientID != nil && *s.PatientID == id {
			s.PatientID = nil
			m.samples[sid] = s
		}
	}
	return nil
}

// FindPatientByCPF looks up a patient by CPF.
func (m *MemoryStore) FindPatientByCPF(cpf string) (domain.Patient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.patients {
		if p.CPF == cpf {
			return p, true, nil
		}
	}
	return domain.Patient{}, false, nil
}

// CreateUser inserts a user, enforcing email uniqueness.
func (m *MemoryStore) CreateUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return domain.User{}, ErrConflict
		}
	}
	u.ID = m.allocID()
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.License != nil && u.Role != domain.RoleUnassigned {
		m.licenses[u.ID] = *u.License
	}
	m.users[u.ID] = u
	return u, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return m.withLicense(u), true, nil
		}
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id uint) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.withLicense(u), true, nil
}

// UpdateUserProfile stages the full profile edit and commits it in one
// step. A simulated failure (FailUpdate) leaves every map untouched.
func (m *MemoryStore) UpdateUserProfile(id uint, name, email string, role domain.Role, license domain.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	for uid, other := range m.users {
		if uid != id && other.Email == email {
			return ErrConflict
		}
	}
	oldRole := user.Role

	// Stage all changes before touching shared state.
	next := user
	next.Name = name
	next.Email = email
	next.Role = role
	next.UpdatedAt = time.Now().UTC()
	next.License = nil

	if m.FailUpdate != nil {
		if err := m.FailUpdate(); err != nil {
			return err
		}
	}

	unassign := oldRole == domain.RolePhysician && role != domain.RolePhysician

	// Commit.
	m.users[id] = next
	if role == domain.RoleUnassigned {
		delete(m.licenses, id)
	} else {
		m.licenses[id] = license
	}
	if unassign {
		for sid, s := range m.samples {
			if s.DoctorUserID != nil && *s.DoctorUserID == id {
				s.DoctorUserID = nil
				m.samples[sid] = s
			}
		}
	}
	return nil
}

// DeleteUser removes a user and unlinks its samples.
func (m *MemoryStore) DeleteUser(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.licenses, id)
	for sid, s := range m.samples {
		if s.DoctorUserID != nil && *s.DoctorUserID == id {
			s.DoctorUserID = nil
			m.samples[sid] = s
		}
	}
	return nil
}

// LicenseCount reports how many license sub-records a user holds. The
// in-memory store keeps at most one by construction; this exists so tests
// can assert the invariant through the same surface.
func (m *MemoryStore) LicenseCount(userID uint) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.licenses[userID]; ok {
		return 1
	}
	return 0
}

// CreateSample inserts a sample row.
func (m *MemoryStore) CreateSample(s domain.Sample) (domain.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.allocID()
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now().UTC()
	}
	m.samples[s.ID] = s
	return s, nil
}

// ListSamples returns samples joined to patient/doctor, newest first.
// Samples without a linked patient are included.
func (m *MemoryStore) ListSamples() ([]domain.SampleSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.SampleSummary, 0, len(m.samples))
	for _, s := range m.samples {
		res = append(res, m.summarize(s))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CapturedAt.After(res[j].CapturedAt) })
	return res, nil
}

// GetSample returns one joined sample by ID.
func (m *MemoryStore) GetSample(id uint) (domain.SampleSummary, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.samples[id]
	if !ok {
		return domain.SampleSummary{}, false, nil
	}
	return m.summarize(s), true, nil
}

// GetSampleImage fetches only the image blob.
func (m *MemoryStore) GetSampleImage(id uint) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.samples[id]
	if !ok {
		return nil, false, nil
	}
	return s.Image, true, nil
}

// Dashboard returns patients joined to their samples, newest sample first.
func (m *MemoryStore) Dashboard() ([]domain.DashboardRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.DashboardRow
	for _, p := range m.patients {
		ref := domain.PatientRef{ID: p.ID, Name: p.Name, CPF: p.CPF}
		found := false
		for _, s := range m.samples {
			if s.PatientID != nil && *s.PatientID == p.ID {
				summary := m.summarize(s)
				res = append(res, domain.DashboardRow{Patient: ref, Sample: &summary})
				found = true
			}
		}
		if !found {
			res = append(res, domain.DashboardRow{Patient: ref})
		}
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i].Sample, res[j].Sample
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.CapturedAt.After(b.CapturedAt)
	})
	return res, nil
}

func (m *MemoryStore) withLicense(u domain.User) domain.User {
	if lic, ok := m.licenses[u.ID]; ok && u.Role != domain.RoleUnassigned {
		copied := lic
		u.License = &copied
	}
	return u
}

func (m *MemoryStore) summarize(s domain.Sample) domain.SampleSummary {
	item := domain.SampleSummary{
		ID:         s.ID,
		CapturedAt: s.CapturedAt,
		Height:     s.Height,
		Width:      s.Width,
		Thickness:  s.Thickness,
		DoctorNote: s.DoctorNote,
		AINote:     s.AINote,
		HasImage:   len(s.Image) > 0,
	}
	if s.PatientID != nil {
		if p, ok := m.patients[*s.PatientID]; ok {
			item.Patient = &domain.PatientRef{ID: p.ID, Name: p.Name, CPF: p.CPF}
		}
	}
	if s.DoctorUserID != nil {
		if u, ok := m.users[*s.DoctorUserID]; ok {
			item.Doctor = &domain.UserRef{ID: u.ID, Name: u.Name}
		}
	}
	return item
}
