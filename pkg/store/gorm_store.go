package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"microlab/pkg/domain"
)

const migrateLockID int64 = 40219403

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&PatientModel{},
			&UserModel{},
			&PhysicianModel{},
			&BiomedicalModel{},
			&NurseModel{},
			&SampleModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'sample_models'
					AND constraint_name = 'sample_models_patient_id_fkey'
				) THEN
					ALTER TABLE sample_models
					ADD CONSTRAINT sample_models_patient_id_fkey
					FOREIGN KEY (patient_id) REFERENCES patient_models(id) ON DELETE SET NULL;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'sample_models'
					AND constraint_name = 'sample_models_doctor_user_id_fkey'
				) THEN
					ALTER TABLE sample_models
					ADD CONSTRAINT sample_models_doctor_user_id_fkey
					FOREIGN KEY (doctor_user_id) REFERENCES user_models(id) ON DELETE SET NULL;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure sample foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreatePatient inserts a patient, failing with ErrConflict on a duplicate CPF.
func (s *GormStore) CreatePatient(p domain.Patient) (domain.Patient, error) {
	var count int64
	if err := s.db.Model(&PatientModel{}).Where("cpf = ?", p.CPF).Count(&count).Error; err != nil {
		return domain.Patient{}, err
	}
	if count > 0 {
		return domain.Patient{}, ErrConflict
	}
	model := patientToModel(p)
	model.ID = 0
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Patient{}, err
	}
	return patientFromModel(model), nil
}

// GetPatient returns a patient by ID.
func (s *GormStore) GetPatient(id uint) (domain.Patient, bool, error) {
	var model PatientModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Patient{}, false, nil
		}
		return domain.Patient{}, false, err
	}
	return patientFromModel(model), true, nil
}

// ListPatients returns all patients ordered by name.
func (s *GormStore) ListPatients() ([]domain.Patient, error) {
	var models []PatientModel
	if err := s.db.Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Patient, 0, len(models))
	for _, m := range models {
		res = append(res, patientFromModel(m))
	}
	return res, nil
}

// UpdatePatient updates an existing patient record.
func (s *GormStore) UpdatePatient(p domain.Patient) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model PatientModel
		if err := tx.First(&model, "id = ?", p.ID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		if p.CPF != model.CPF {
			var count int64
			if err := tx.Model(&PatientModel{}).Where("cpf = ? AND id <> ?", p.CPF, p.ID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrConflict
			}
		}
		return tx.Model(&PatientModel{}).Where("id = ?", p.ID).Updates(map[string]any{
			"name":       p.Name,
			"cpf":        p.CPF,
			"birth_date": p.BirthDate,
			"address":    p.Address,
			"sex":        string(p.Sex),
			"updated_at": time.Now().UTC(),
		}).Error
	})
}

// DeletePatient removes a patient; linked samples keep existing with a null
// patient reference via the FK.
func (s *GormStore) DeletePatient(id uint) error {
	res := s.db.Delete(&PatientModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindPatientByCPF looks up a patient by the normalized CPF digits.
func (s *GormStore) FindPatientByCPF(cpf string) (domain.Patient, bool, error) {
	var model PatientModel
	if err := s.db.First(&model, "cpf = ?", cpf).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Patient{}, false, nil
		}
		return domain.Patient{}, false, err
	}
	return patientFromModel(model), true, nil
}

// CreateUser inserts a user, failing with ErrConflict on a duplicate email.
func (s *GormStore) CreateUser(u domain.User) (domain.User, error) {
	var created UserModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&UserModel{}).Where("email = ?", u.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		created = userToModel(u)
		created.ID = 0
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		if u.License != nil && u.Role != domain.RoleUnassigned {
			return upsertLicense(tx, created.ID, u.Role, *u.License)
		}
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return s.loadUser(created)
}

// GetUserByEmail looks up a user and the license for its active role.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	user, err := s.loadUser(model)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id uint) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	user, err := s.loadUser(model)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, true, nil
}

// UpdateUserProfile applies a profile edit, including the role switch, as a
// single transaction: after commit exactly one license sub-record exists
// (none for unassigned), and a user leaving the physician role no longer
// appears as the submitter on any sample.
func (s *GormStore) UpdateUserProfile(id uint, name, email string, role domain.Role, license domain.License) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model UserModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		if email != model.Email {
			var count int64
			if err := tx.Model(&UserModel{}).Where("email = ? AND id <> ?", email, id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrConflict
			}
		}
		oldRole := domain.Role(model.Role)
		if err := tx.Model(&UserModel{}).Where("id = ?", id).Updates(map[string]any{
			"name":       name,
			"email":      email,
			"role":       int(role),
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		if oldRole == domain.RolePhysician && role != domain.RolePhysician {
			if err := tx.Model(&SampleModel{}).
				Where("doctor_user_id = ?", id).
				Update("doctor_user_id", nil).Error; err != nil {
				return err
			}
		}
		if err := deleteLicenses(tx, id, role); err != nil {
			return err
		}
		if role == domain.RoleUnassigned {
			return nil
		}
		return upsertLicense(tx, id, role, license)
	})
}

// DeleteUser removes the user and its role sub-record; samples keep
// existing with a null submitter via the FK.
func (s *GormStore) DeleteUser(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteLicenses(tx, id, domain.RoleUnassigned); err != nil {
			return err
		}
		res := tx.Delete(&UserModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateSample inserts a sample row. Normally the external analyzer writes
// samples directly; this exists for seeding and tests.
func (s *GormStore) CreateSample(sm domain.Sample) (domain.Sample, error) {
	model := sampleToModel(sm)
	model.ID = 0
	if model.CapturedAt.IsZero() {
		model.CapturedAt = time.Now().UTC()
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Sample{}, err
	}
	return sampleFromModel(model), nil
}

type sampleJoinRow struct {
	ID           uint
	PatientID    *uint
	CapturedAt   time.Time
	Height       float64
	Width        float64
	Thickness    float64
	DoctorNote   string
	AINote       string
	HasImage     bool
	PatientName  *string
	PatientCPF   *string
	DoctorUserID *uint
	DoctorName   *string
}

const sampleJoinSelect = `
	s.id, s.patient_id, s.captured_at, s.height, s.width, s.thickness,
	s.doctor_note, s.ai_note,
	(s.image IS NOT NULL AND length(s.image) > 0) AS has_image,
	p.name AS patient_name, p.cpf AS patient_cpf,
	s.doctor_user_id, u.name AS doctor_name`

// ListSamples returns all samples outer-joined to patient and submitting
// user, newest capture first. Samples without a linked patient are
// included; the join type is load-bearing.
func (s *GormStore) ListSamples() ([]domain.SampleSummary, error) {
	var rows []sampleJoinRow
	if err := s.db.Table("sample_models AS s").
		Select(sampleJoinSelect).
		Joins("LEFT JOIN patient_models p ON p.id = s.patient_id").
		Joins("LEFT JOIN user_models u ON u.id = s.doctor_user_id").
		Order("s.captured_at DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.SampleSummary, 0, len(rows))
	for _, row := range rows {
		res = append(res, summaryFromJoinRow(row))
	}
	return res, nil
}

// GetSample returns one joined sample row by ID.
func (s *GormStore) GetSample(id uint) (domain.SampleSummary, bool, error) {
	var rows []sampleJoinRow
	if err := s.db.Table("sample_models AS s").
		Select(sampleJoinSelect).
		Joins("LEFT JOIN patient_models p ON p.id = s.patient_id").
		Joins("LEFT JOIN user_models u ON u.id = s.doctor_user_id").
		Where("s.id = ?", id).
		Limit(1).
		Scan(&rows).Error; err != nil {
		return domain.SampleSummary{}, false, err
	}
	if len(rows) == 0 {
		return domain.SampleSummary{}, false, nil
	}
	return summaryFromJoinRow(rows[0]), true, nil
}

// GetSampleImage fetches only the image blob.
func (s *GormStore) GetSampleImage(id uint) ([]byte, bool, error) {
	var model SampleModel
	if err := s.db.Select("id", "image").First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return model.Image, true, nil
}

type dashboardJoinRow struct {
	PatientID   uint
	PatientName string
	PatientCPF  string
	SampleID    *uint
	CapturedAt  *time.Time
	Height      *float64
	Width       *float64
	Thickness   *float64
	DoctorNote  *string
	AINote      *string
}

// Dashboard returns patients outer-joined to their samples, newest sample
// first; patients with no samples appear once with a nil sample.
func (s *GormStore) Dashboard() ([]domain.DashboardRow, error) {
	var rows []dashboardJoinRow
	if err := s.db.Table("patient_models AS p").
		Select(`
			p.id AS patient_id, p.name AS patient_name, p.cpf AS patient_cpf,
			s.id AS sample_id, s.captured_at, s.height, s.width, s.thickness,
			s.doctor_note, s.ai_note`).
		Joins("LEFT JOIN sample_models s ON s.patient_id = p.id").
		Order("s.captured_at DESC NULLS LAST").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.DashboardRow, 0, len(rows))
	for _, row := range rows {
		item := domain.DashboardRow{
			Patient: domain.PatientRef{ID: row.PatientID, Name: row.PatientName, CPF: row.PatientCPF},
		}
		if row.SampleID != nil {
			item.Sample = &domain.SampleSummary{
				ID:         *row.SampleID,
				CapturedAt: deref(row.CapturedAt),
				Height:     derefF(row.Height),
				Width:      derefF(row.Width),
				Thickness:  derefF(row.Thickness),
				DoctorNote: derefS(row.DoctorNote),
				AINote:     derefS(row.AINote),
			}
		}
		res = append(res, item)
	}
	return res, nil
}

func (s *GormStore) loadUser(model UserModel) (domain.User, error) {
	user := userFromModel(model)
	license, ok, err := s.licenseFor(model.ID, user.Role)
	if err != nil {
		return domain.User{}, err
	}
	if ok {
		user.License = &license
	}
	return user, nil
}

func (s *GormStore) licenseFor(userID uint, role domain.Role) (domain.License, bool, error) {
	var number, state string
	var err error
	switch role {
	case domain.RolePhysician:
		var m PhysicianModel
		err = s.db.First(&m, "user_id = ?", userID).Error
		number, state = m.LicenseNumber, m.LicenseState
	case domain.RoleBiomedical:
		var m BiomedicalModel
		err = s.db.First(&m, "user_id = ?", userID).Error
		number, state = m.LicenseNumber, m.LicenseState
	case domain.RoleNurse:
		var m NurseModel
		err = s.db.First(&m, "user_id = ?", userID).Error
		number, state = m.LicenseNumber, m.LicenseState
	default:
		return domain.License{}, false, nil
	}
	if err == gorm.ErrRecordNotFound {
		return domain.License{}, false, nil
	}
	if err != nil {
		return domain.License{}, false, err
	}
	return domain.License{Number: number, State: state}, true, nil
}

// deleteLicenses removes license rows for every role except keep.
func deleteLicenses(tx *gorm.DB, userID uint, keep domain.Role) error {
	if keep != domain.RolePhysician {
		if err := tx.Delete(&PhysicianModel{}, "user_id = ?", userID).Error; err != nil {
			return err
		}
	}
	if keep != domain.RoleBiomedical {
		if err := tx.Delete(&BiomedicalModel{}, "user_id = ?", userID).Error; err != nil {
			return err
		}
	}
	if keep != domain.RoleNurse {
		if err := tx.Delete(&NurseModel{}, "user_id = ?", userID).Error; err != nil {
			return err
		}
	}
	return nil
}

func upsertLicense(tx *gorm.DB, userID uint, role domain.Role, license domain.License) error {
	switch role {
	case domain.RolePhysician:
		model := PhysicianModel{UserID: userID, LicenseNumber: license.Number, LicenseState: license.State}
		return tx.Save(&model).Error
	case domain.RoleBiomedical:
		model := BiomedicalModel{UserID: userID, LicenseNumber: license.Number, LicenseState: license.State}
		return tx.Save(&model).Error
	case domain.RoleNurse:
		model := NurseModel{UserID: userID, LicenseNumber: license.Number, LicenseState: license.State}
		return tx.Save(&model).Error
	default:
		return nil
	}
}

func summaryFromJoinRow(row sampleJoinRow) domain.SampleSummary {
	item := domain.SampleSummary{
		ID:         row.ID,
		CapturedAt: row.CapturedAt,
		Height:     row.Height,
		Width:      row.Width,
		Thickness:  row.Thickness,
		DoctorNote: row.DoctorNote,
		AINote:     row.AINote,
		HasImage:   row.HasImage,
	}
	if row.PatientID != nil {
		item.Patient = &domain.PatientRef{
			ID:   *row.PatientID,
			Name: derefS(row.PatientName),
			CPF:  derefS(row.PatientCPF),
		}
	}
	if row.DoctorUserID != nil {
		item.Doctor = &domain.UserRef{
			ID:   *row.DoctorUserID,
			Name: derefS(row.DoctorName),
		}
	}
	return item
}

func patientToModel(p domain.Patient) PatientModel {
	return PatientModel{
		ID:        p.ID,
		Name:      p.Name,
		CPF:       p.CPF,
		BirthDate: p.BirthDate,
		Address:   p.Address,
		Sex:       string(p.Sex),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func patientFromModel(m PatientModel) domain.Patient {
	return domain.Patient{
		ID:        m.ID,
		Name:      m.Name,
		CPF:       m.CPF,
		BirthDate: m.BirthDate,
		Address:   m.Address,
		Sex:       domain.Sex(m.Sex),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         int(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.Role(m.Role),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func sampleToModel(s domain.Sample) SampleModel {
	return SampleModel{
		ID:           s.ID,
		PatientID:    s.PatientID,
		CapturedAt:   s.CapturedAt,
		Height:       s.Height,
		Width:        s.Width,
		Thickness:    s.Thickness,
		DoctorNote:   s.DoctorNote,
		AINote:       s.AINote,
		Image:        s.Image,
		DoctorUserID: s.DoctorUserID,
	}
}

func sampleFromModel(m SampleModel) domain.Sample {
	return domain.Sample{
		ID:           m.ID,
		PatientID:    m.PatientID,
		CapturedAt:   m.CapturedAt,
		Height:       m.Height,
		Width:        m.Width,
		Thickness:    m.Thickness,
		DoctorNote:   m.DoctorNote,
		AINote:       m.AINote,
		Image:        m.Image,
		DoctorUserID: m.DoctorUserID,
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefF(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefS(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
