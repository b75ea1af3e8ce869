package app

import (
	"context"
	"net/http"

	"microlab/pkg/domain"
)

func (a *App) ListSamples(ctx context.Context) ([]domain.SampleSummary, error) {
	return a.store.ListSamples()
}

func (a *App) GetSample(ctx context.Context, id uint) (domain.SampleSummary, error) {
	s, ok, err := a.store.GetSample(id)
	if err != nil {
		return domain.SampleSummary{}, err
	}
	if !ok {
		return domain.SampleSummary{}, ErrNotFound
	}
	return s, nil
}

// SampleImage returns the stored image bytes and a sniffed content type.
// A sample without an image is indistinguishable from a missing sample.
func (a *App) SampleImage(ctx context.Context, id uint) ([]byte, string, error) {
	img, ok, err := a.store.GetSampleImage(id)
	if err != nil {
		return nil, "", err
	}
	if !ok || len(img) == 0 {
		return nil, "", ErrNotFound
	}
	contentType := http.DetectContentType(img)
	if contentType == "application/octet-stream" {
		// Legacy rows hold camera captures without a recognizable
		// magic number; they were all JPEG.
		contentType = "image/jpeg"
	}
	return img, contentType, nil
}

func (a *App) Dashboard(ctx context.Context) ([]domain.DashboardRow, error) {
	return a.store.Dashboard()
}
