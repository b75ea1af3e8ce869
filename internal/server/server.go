package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"microlab/internal/app"
	"microlab/internal/ratelimit"
	"microlab/internal/util"
	"microlab/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	TrustedProxies             *util.TrustedProxies
}

// Server exposes the HTTP endpoints of the backend.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies  *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "microlab:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		registerLimiter: registerLimiter,
		loginLimiter:    loginLimiter,
		trustedProxies:  cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the shared middleware.
func (s *Server) Router() http.Handler {
	return util.WithRecover(util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.Handle("/api/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/api/profile", s.authenticated(s.handleProfile))

	// patients & samples
	s.mux.Handle("/api/pacientes", s.authenticated(s.handlePatients))
	s.mux.Handle("/api/pacientes/", s.authenticated(s.handlePatientByID))
	s.mux.Handle("/api/dashboard", s.authenticated(s.handleDashboard))
	s.mux.Handle("/api/amostras", s.authenticated(s.handleSamples))
	s.mux.Handle("/api/amostras/", s.authenticated(s.handleSampleByID))

	// microscope
	s.mux.Handle("/api/microscopio/upload", s.authenticated(s.handleMicroscopeUpload))
	s.mux.Handle("/api/microscopio/run", s.authenticated(s.handleMicroscopeRun))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.token", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			s.audit(r, "auth.token", "fail", "reason", "verify_error")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !ok {
			s.audit(r, "auth.token", "fail", "reason", "invalid_or_revoked")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := app.ContextWithUser(r.Context(), user)
		next(w, r.WithContext(ctx), user)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.app.Register(r.Context(), app.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", sess.User.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: sess.Token, User: sess.User})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", sess.User.ID)
	writeJSON(w, http.StatusOK, sessionResponse{Token: sess.Token, User: sess.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.logout", "success", "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req profileRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := s.app.UpdateProfile(r.Context(), app.ProfileUpdate{
			Name:          req.Name,
			Email:         req.Email,
			Role:          domain.Role(req.Role),
			LicenseNumber: req.LicenseNumber,
			LicenseState:  req.LicenseState,
		})
		if err != nil {
			s.audit(r, "profile.update", "fail", "user_id", user.ID, "reason", err.Error())
			writeAppError(w, err)
			return
		}
		s.audit(r, "profile.update", "success", "user_id", user.ID)
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		var req deleteAccountRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		token, _ := bearerToken(r)
		if err := s.app.DeleteAccount(r.Context(), req.Password, token); err != nil {
			s.audit(r, "profile.delete", "fail", "user_id", user.ID, "reason", err.Error())
			writeAppError(w, err)
			return
		}
		s.audit(r, "profile.delete", "success", "user_id", user.ID)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// patient handlers
func (s *Server) handlePatients(w http.ResponseWriter, r *http.Request, user domain.User) {
	_ = user
	switch r.Method {
	case http.MethodGet:
		patients, err := s.app.ListPatients(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": patients,
			"count": len(patients),
		})
	case http.MethodPost:
		req, ok := decodePatient(w, r)
		if !ok {
			return
		}
		created, err := s.app.CreatePatient(r.Context(), req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePatientByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	_ = user
	id, ok := pathID(w, r, "/api/pacientes/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		patient, err := s.app.GetPatient(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, patient)
	case http.MethodPatch, http.MethodPut:
		req, ok := decodePatient(w, r)
		if !ok {
			return
		}
		updated, err := s.app.UpdatePatient(r.Context(), id, req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.app.DeletePatient(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, user domain.User) {
	_ = user
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rows, err := s.app.Dashboard(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": rows,
		"count": len(rows),
	})
}

// sample handlers
func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request, user domain.User) {
	_ = user
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	samples, err := s.app.ListSamples(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": samples,
		"count": len(samples),
	})
}

// /api/amostras/{id} or /api/amostras/{id}/imagem
func (s *Server) handleSampleByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	_ = user
	path := strings.TrimPrefix(r.URL.Path, "/api/amostras/")
	parts := strings.SplitN(path, "/", 2)
	id64, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	id := uint(id64)

	if len(parts) == 2 && parts[1] == "imagem" {
		s.handleSampleImage(w, r, id)
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sample, err := s.app.GetSample(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleSampleImage(w http.ResponseWriter, r *http.Request, id uint) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	img, contentType, err := s.app.SampleImage(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	_, _ = w.Write(img)
}

// microscope handlers
func (s *Server) handleMicroscopeUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	maxBytes := s.app.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	var image []byte
	var filename string
	file, header, err := r.FormFile("imagem")
	switch {
	case err == nil:
		defer file.Close()
		image, err = io.ReadAll(io.LimitReader(file, maxBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read the uploaded file")
			return
		}
		filename = header.Filename
	case errors.Is(err, http.ErrMissingFile):
		// fall through with an empty image; validation reports the field
	default:
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	res, err := s.app.SubmitSample(r.Context(), app.SubmitSampleInput{
		Filename:   filename,
		Image:      image,
		DoctorNote: r.FormValue("anotacao"),
		AINote:     r.FormValue("gemini_obs"),
		CPF:        r.FormValue("cpf"),
	})
	if err != nil {
		var verr *app.ValidationError
		if errors.As(err, &verr) {
			s.audit(r, "microscope.upload", "fail", "user_id", user.ID, "reason", "validation")
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"success": false,
				"errors":  verr.Fields,
			})
			return
		}
		s.audit(r, "microscope.upload", "fail", "user_id", user.ID, "reason", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"file":    res.Filename,
			"stdout":  res.Stdout,
			"stderr":  res.Stderr,
			"error":   "image processing failed",
		})
		return
	}
	s.audit(r, "microscope.upload", "success", "user_id", user.ID, "file", res.Filename)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"file":    res.Filename,
		"stdout":  res.Stdout,
		"stderr":  res.Stderr,
	})
}

func (s *Server) handleMicroscopeRun(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	diagnostic := r.URL.Query().Get("diag") == "1"
	run, err := s.app.RunMicroscope(r.Context(), diagnostic)
	if err != nil {
		s.audit(r, "microscope.run", "fail", "user_id", user.ID, "reason", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"stdout":  run.Stdout,
			"stderr":  run.Stderr,
			"error":   "could not start the capture application",
		})
		return
	}
	s.audit(r, "microscope.run", "success", "user_id", user.ID, "pid", run.PID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"run":     run,
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type profileRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Role          int    `json:"role"`
	LicenseNumber string `json:"licenseNumber"`
	LicenseState  string `json:"licenseState"`
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

type patientRequest struct {
	Name      string `json:"name"`
	CPF       string `json:"cpf"`
	BirthDate string `json:"birthDate"`
	Address   string `json:"address"`
	Sex       string `json:"sex"`
}

func decodePatient(w http.ResponseWriter, r *http.Request) (app.PatientInput, bool) {
	var req patientRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return app.PatientInput{}, false
	}
	return app.PatientInput{
		Name:      req.Name,
		CPF:       req.CPF,
		BirthDate: req.BirthDate,
		Address:   req.Address,
		Sex:       req.Sex,
	}, true
}

func pathID(w http.ResponseWriter, r *http.Request, prefix string) (uint, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		http.NotFound(w, r)
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.NotFound(w, r)
		return 0, false
	}
	return uint(id), true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps service errors to HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	var verr *app.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"errors": verr.Fields,
		})
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrEmailTaken), errors.Is(err, app.ErrCPFTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logger := util.LoggerFromContext(r.Context())
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
