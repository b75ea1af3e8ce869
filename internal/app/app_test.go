package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"microlab/internal/analyzer"
	"microlab/internal/storage"
	"microlab/pkg/domain"
	"microlab/pkg/store"
)

type fakeGateway struct {
	runResult analyzer.Result
	runErr    error
	startPID  int
	startErr  error

	lastScript string
	lastArgs   analyzer.Args
	runCalls   int
	startCalls int
}

func (f *fakeGateway) Run(ctx context.Context, script string, args analyzer.Args) (analyzer.Result, error) {
	f.runCalls++
	f.lastScript = script
	f.lastArgs = args
	return f.runResult, f.runErr
}

func (f *fakeGateway) Start(ctx context.Context, script string, args analyzer.Args) (int, error) {
	f.startCalls++
	f.lastScript = script
	f.lastArgs = args
	return f.startPID, f.startErr
}

type fakeSessions struct {
	tokens map[string]uint
	seq    int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: map[string]uint{}}
}

func (f *fakeSessions) NewSession(userID uint) (string, error) {
	f.seq++
	token := fmt.Sprintf("token-%d", f.seq)
	f.tokens[token] = userID
	return token, nil
}

func (f *fakeSessions) GetUserIDByToken(token string) (uint, bool, error) {
	id, ok := f.tokens[token]
	return id, ok, nil
}

func (f *fakeSessions) DeleteSession(token string) error {
	delete(f.tokens, token)
	return nil
}

type testEnv struct {
	app      *App
	store    *store.MemoryStore
	gateway  *fakeGateway
	sessions *fakeSessions
	dataDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	files, err := storage.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	gw := &fakeGateway{startPID: 4242}
	sessions := newFakeSessions()
	st := store.NewMemoryStore()
	a, err := New(Config{
		Store:            st,
		Sessions:         sessions,
		Files:            files,
		Analyzer:         gw,
		AnalyzerScript:   "/opt/lab/process_image.py",
		MicroscopeScript: "/opt/lab/microscopio.py",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, store: st, gateway: gw, sessions: sessions, dataDir: dataDir}
}

func (e *testEnv) login(t *testing.T) (context.Context, Session) {
	t.Helper()
	sess, err := e.app.Register(context.Background(), RegisterInput{
		Name:     "Dra. Helena Souza",
		Email:    "helena@lab.example",
		Password: "Sup3rSecret!",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return ContextWithUser(context.Background(), sess.User), sess
}

func pngBytes() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestSubmitSampleRunsAnalyzerWithSubmitter(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.login(t)
	env.gateway.runResult = analyzer.Result{Stdout: "processed ok\n"}

	res, err := env.app.SubmitSample(ctx, SubmitSampleInput{
		Filename:   "capture.png",
		Image:      pngBytes(),
		DoctorNote: "borda irregular",
		AINote:     "possible melanoma",
		CPF:        "123.456.789-01",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(res.Filename, "amostra_") {
		t.Fatalf("stored name should keep the amostra_ prefix, got %q", res.Filename)
	}
	if res.Stdout != "processed ok\n" {
		t.Fatalf("stdout not propagated: %q", res.Stdout)
	}
	if env.gateway.lastScript != "/opt/lab/process_image.py" {
		t.Fatalf("wrong script: %q", env.gateway.lastScript)
	}
	args := env.gateway.lastArgs
	if args.CPF != "12345678901" {
		t.Fatalf("cpf should be normalized to digits, got %q", args.CPF)
	}
	if args.UserID != "1" || args.UserName != "Dra. Helena Souza" {
		t.Fatalf("submitter identity not forwarded: %+v", args)
	}
	if !strings.HasPrefix(args.ImagePath, env.dataDir) {
		t.Fatalf("image path should live under the data dir: %q", args.ImagePath)
	}
	if countFiles(t, env.dataDir) != 1 {
		t.Fatalf("expected exactly one stored file")
	}
}

func TestSubmitSampleValidationLeavesNoFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.login(t)

	cases := []struct {
		name  string
		in    SubmitSampleInput
		field string
	}{
		{"missing image", SubmitSampleInput{CPF: "12345678901"}, "imagem"},
		{"not an image", SubmitSampleInput{Filename: "x.png", Image: []byte("plain text content")}, "imagem"},
		{"bad extension", SubmitSampleInput{Filename: "x.gif", Image: pngBytes()}, "imagem"},
		{"short cpf", SubmitSampleInput{Filename: "x.png", Image: pngBytes(), CPF: "123"}, "cpf"},
		{"long note", SubmitSampleInput{Filename: "x.png", Image: pngBytes(), DoctorNote: strings.Repeat("a", 1001)}, "anotacao"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.SubmitSample(ctx, tc.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := verr.Fields[tc.field]; !ok {
				t.Fatalf("expected error on field %q, got %v", tc.field, verr.Fields)
			}
		})
	}
	if env.gateway.runCalls != 0 {
		t.Fatalf("analyzer must not run for invalid uploads")
	}
	if countFiles(t, env.dataDir) != 0 {
		t.Fatalf("invalid uploads must leave no files behind")
	}
}

func TestSubmitSampleKeepsFileWhenAnalyzerFails(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.login(t)
	env.gateway.runResult = analyzer.Result{ExitCode: 3, Stderr: "traceback\n"}
	env.gateway.runErr = &analyzer.ToolError{Result: env.gateway.runResult}

	res, err := env.app.SubmitSample(ctx, SubmitSampleInput{
		Filename: "capture.png",
		Image:    pngBytes(),
	})
	if !errors.Is(err, ErrProcessingFailed) {
		t.Fatalf("expected ErrProcessingFailed, got %v", err)
	}
	if res.Stderr != "traceback\n" {
		t.Fatalf("stderr should reach the caller on failure, got %q", res.Stderr)
	}
	if countFiles(t, env.dataDir) != 1 {
		t.Fatalf("the capture must survive an analyzer failure")
	}
}

func TestSubmitSampleRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.app.SubmitSample(context.Background(), SubmitSampleInput{
		Filename: "x.png",
		Image:    pngBytes(),
	})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRunMicroscopeDetachedAndDiagnostic(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.login(t)

	run, err := env.app.RunMicroscope(ctx, false)
	if err != nil {
		t.Fatalf("detached run: %v", err)
	}
	if run.PID != 4242 {
		t.Fatalf("expected pid from gateway, got %d", run.PID)
	}
	if env.gateway.lastScript != "/opt/lab/microscopio.py" {
		t.Fatalf("wrong script: %q", env.gateway.lastScript)
	}
	if env.gateway.lastArgs.ImagePath != "" {
		t.Fatalf("capture launches must not carry an image path")
	}

	env.gateway.runResult = analyzer.Result{Stdout: "camera ok\n"}
	diag, err := env.app.RunMicroscope(ctx, true)
	if err != nil {
		t.Fatalf("diagnostic run: %v", err)
	}
	if !diag.Diagnostic || diag.Stdout != "camera ok\n" {
		t.Fatalf("diagnostic output not captured: %+v", diag)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	_, err := env.app.Register(context.Background(), RegisterInput{
		Name:     "Other Person",
		Email:    "Helena@lab.example",
		Password: "An0therSecret!",
	})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginAndLogout(t *testing.T) {
	env := newTestEnv(t)
	_, sess := env.login(t)

	got, err := env.app.Login(context.Background(), "HELENA@lab.example", "Sup3rSecret!")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.User.ID != sess.User.ID {
		t.Fatalf("login resolved the wrong user")
	}

	if _, err := env.app.Login(context.Background(), "helena@lab.example", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.app.Login(context.Background(), "nobody@lab.example", "Sup3rSecret!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email must fail the same way, got %v", err)
	}

	if err := env.app.Logout(context.Background(), got.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok, _ := env.app.UserFromToken(context.Background(), got.Token); ok {
		t.Fatalf("token must be unusable after logout")
	}
}

func TestUpdateProfileRequiresLicenseForRole(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.login(t)

	_, err := env.app.UpdateProfile(ctx, ProfileUpdate{
		Name:  "Dra. Helena Souza",
		Email: "helena@lab.example",
		Role:  domain.RolePhysician,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := verr.Fields["license_number"]; !ok {
		t.Fatalf("expected license_number error, got %v", verr.Fields)
	}

	updated, err := env.app.UpdateProfile(ctx, ProfileUpdate{
		Name:          "Dra. Helena Souza",
		Email:         "helena@lab.example",
		Role:          domain.RolePhysician,
		LicenseNumber: "CRM-12345",
		LicenseState:  "sp",
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Role != domain.RolePhysician {
		t.Fatalf("role not applied: %v", updated.Role)
	}
	if updated.License == nil || updated.License.State != "SP" {
		t.Fatalf("license state should be upper-cased: %+v", updated.License)
	}
}

func TestPatientValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.login(t)

	_, err := env.app.CreatePatient(ctx, PatientInput{
		Name:      "João Pereira",
		CPF:       "123",
		BirthDate: "1980-04-17",
		Sex:       "M",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := verr.Fields["cpf"]; !ok {
		t.Fatalf("expected cpf error, got %v", verr.Fields)
	}

	created, err := env.app.CreatePatient(ctx, PatientInput{
		Name:      "João Pereira",
		CPF:       "529.982.247-25",
		BirthDate: "1980-04-17",
		Address:   "Rua das Flores 10",
		Sex:       "m",
	})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if created.CPF != "52998224725" {
		t.Fatalf("cpf not normalized: %q", created.CPF)
	}

	_, err = env.app.CreatePatient(ctx, PatientInput{
		Name:      "Duplicate",
		CPF:       "52998224725",
		BirthDate: "1990-01-01",
		Sex:       "F",
	})
	if !errors.Is(err, ErrCPFTaken) {
		t.Fatalf("expected ErrCPFTaken, got %v", err)
	}
}

func TestSampleImageSniffsContentType(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.login(t)

	created, err := env.store.CreateSample(domain.Sample{Image: pngBytes()})
	if err != nil {
		t.Fatalf("create sample: %v", err)
	}
	img, contentType, err := env.app.SampleImage(ctx, created.ID)
	if err != nil {
		t.Fatalf("sample image: %v", err)
	}
	if contentType != "image/png" {
		t.Fatalf("expected image/png, got %q", contentType)
	}
	if len(img) == 0 {
		t.Fatalf("image bytes missing")
	}

	empty, err := env.store.CreateSample(domain.Sample{})
	if err != nil {
		t.Fatalf("create sample: %v", err)
	}
	if _, _, err := env.app.SampleImage(ctx, empty.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("imageless sample must look missing, got %v", err)
	}
}
