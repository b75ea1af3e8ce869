package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"microlab/pkg/domain"
	"microlab/pkg/store"
)

// PatientInput carries the patient form fields. BirthDate uses the
// 2006-01-02 layout.
type PatientInput struct {
	Name      string
	CPF       string
	BirthDate string
	Address   string
	Sex       string
}

func (a *App) CreatePatient(ctx context.Context, in PatientInput) (domain.Patient, error) {
	p, err := validatePatient(in)
	if err != nil {
		return domain.Patient{}, err
	}
	created, err := a.store.CreatePatient(p)
	if errors.Is(err, store.ErrConflict) {
		return domain.Patient{}, ErrCPFTaken
	}
	return created, err
}

func (a *App) GetPatient(ctx context.Context, id uint) (domain.Patient, error) {
	p, ok, err := a.store.GetPatient(id)
	if err != nil {
		return domain.Patient{}, err
	}
	if !ok {
		return domain.Patient{}, ErrNotFound
	}
	return p, nil
}

func (a *App) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	return a.store.ListPatients()
}

func (a *App) UpdatePatient(ctx context.Context, id uint, in PatientInput) (domain.Patient, error) {
	p, err := validatePatient(in)
	if err != nil {
		return domain.Patient{}, err
	}
	p.ID = id
	err = a.store.UpdatePatient(p)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Patient{}, ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return domain.Patient{}, ErrCPFTaken
	case err != nil:
		return domain.Patient{}, err
	}
	return a.GetPatient(ctx, id)
}

// DeletePatient removes the patient record. Samples captured for the
// patient survive with the link cleared.
func (a *App) DeletePatient(ctx context.Context, id uint) error {
	err := a.store.DeletePatient(id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func validatePatient(in PatientInput) (domain.Patient, error) {
	fields := fieldErrors{}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		fields.add("name", "name is required")
	} else if len(name) > 255 {
		fields.add("name", "name must be at most 255 characters")
	}

	cpf := NormalizeCPF(in.CPF)
	if cpf == "" {
		fields.add("cpf", "cpf is required")
	} else if len(cpf) != 11 {
		fields.add("cpf", "cpf must have exactly 11 digits")
	}

	var birth time.Time
	if in.BirthDate == "" {
		fields.add("birthdate", "birthdate is required")
	} else {
		var err error
		birth, err = time.Parse("2006-01-02", in.BirthDate)
		if err != nil {
			fields.add("birthdate", "birthdate must use the YYYY-MM-DD format")
		} else if birth.After(time.Now()) {
			fields.add("birthdate", "birthdate cannot be in the future")
		}
	}

	sex := domain.Sex(strings.ToUpper(strings.TrimSpace(in.Sex)))
	if !sex.Valid() {
		fields.add("sex", "sex must be M, F or O")
	}

	if err := fields.err(); err != nil {
		return domain.Patient{}, err
	}
	return domain.Patient{
		Name:      name,
		CPF:       cpf,
		BirthDate: birth,
		Address:   strings.TrimSpace(in.Address),
		Sex:       sex,
	}, nil
}

// NormalizeCPF strips the usual punctuation from a CPF so only digits
// remain. Non-digit characters other than separators are kept so that
// malformed values still fail validation.
func NormalizeCPF(cpf string) string {
	cpf = strings.TrimSpace(cpf)
	replacer := strings.NewReplacer(".", "", "-", "", " ", "")
	return replacer.Replace(cpf)
}
