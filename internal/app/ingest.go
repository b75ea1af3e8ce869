package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"microlab/internal/analyzer"
	"microlab/internal/util"
)

const maxNoteLength = 1000

// SubmitSampleInput carries one captured image together with the notes
// typed alongside it. Filename is the name the client sent; only its
// extension is used.
type SubmitSampleInput struct {
	Filename   string
	Image      []byte
	DoctorNote string
	AINote     string
	CPF        string
}

// SubmitResult reports the stored file and the analyzer's output streams.
// On a processing failure the streams are still populated so the caller
// can surface the script's own diagnostics.
type SubmitResult struct {
	Filename string `json:"file"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// SubmitSample validates the upload, persists the image to disk and runs
// the analyzer script on it synchronously. Validation failures leave no
// trace on disk. The stored file is kept even when the analyzer fails, so
// a capture is never lost to a scripting problem.
func (a *App) SubmitSample(ctx context.Context, in SubmitSampleInput) (SubmitResult, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return SubmitResult{}, ErrUnauthenticated
	}

	fields := fieldErrors{}
	if len(in.Image) == 0 {
		fields.add("imagem", "an image file is required")
	} else if int64(len(in.Image)) > a.maxUploadBytes {
		fields.add("imagem", fmt.Sprintf("image exceeds the %d byte limit", a.maxUploadBytes))
	} else if !strings.HasPrefix(http.DetectContentType(in.Image), "image/") {
		fields.add("imagem", "file is not a recognizable image")
	}
	ext := strings.ToLower(filepath.Ext(in.Filename))
	if len(in.Image) > 0 && ext != "" && !a.allowedExts[ext] {
		fields.add("imagem", fmt.Sprintf("extension %s is not accepted", ext))
	}
	if len(in.DoctorNote) > maxNoteLength {
		fields.add("anotacao", "note must be at most 1000 characters")
	}
	if len(in.AINote) > maxNoteLength {
		fields.add("gemini_obs", "note must be at most 1000 characters")
	}
	cpf := NormalizeCPF(in.CPF)
	if cpf != "" && len(cpf) != 11 {
		fields.add("cpf", "cpf must have exactly 11 digits")
	}
	if err := fields.err(); err != nil {
		return SubmitResult{}, err
	}

	name, path, err := a.files.Save(ext, bytes.NewReader(in.Image))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("store upload: %w", err)
	}

	logger := util.LoggerFromContext(ctx)
	res, err := a.analyzer.Run(ctx, a.analyzerScript, analyzer.Args{
		ImagePath:  path,
		DoctorNote: in.DoctorNote,
		AINote:     in.AINote,
		CPF:        cpf,
		UserID:     strconv.FormatUint(uint64(user.ID), 10),
		UserName:   user.Name,
	})
	out := SubmitResult{Filename: name, Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		logger.Error("sample analysis failed",
			"kind", classifyAnalyzerError(err),
			"file", name,
			"error", err)
		return out, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	logger.Info("sample analyzed", "file", name, "exit_code", res.ExitCode)
	return out, nil
}

// MicroscopeRun reports how a capture-application launch went. For a
// detached launch only PID is set; a diagnostic run carries the streams.
type MicroscopeRun struct {
	PID        int    `json:"pid,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Diagnostic bool   `json:"diagnostic"`
}

// RunMicroscope launches the capture application as the authenticated
// user. Detached launches outlive the request; a diagnostic run waits for
// the process and returns its output instead.
func (a *App) RunMicroscope(ctx context.Context, diagnostic bool) (MicroscopeRun, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return MicroscopeRun{}, ErrUnauthenticated
	}
	args := analyzer.Args{
		UserID:   strconv.FormatUint(uint64(user.ID), 10),
		UserName: user.Name,
	}
	logger := util.LoggerFromContext(ctx)
	if diagnostic {
		res, err := a.analyzer.Run(ctx, a.microscopeScript, args)
		out := MicroscopeRun{Stdout: res.Stdout, Stderr: res.Stderr, Diagnostic: true}
		if err != nil {
			logger.Error("microscope diagnostic run failed",
				"kind", classifyAnalyzerError(err),
				"error", err)
			return out, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
		}
		return out, nil
	}
	pid, err := a.analyzer.Start(ctx, a.microscopeScript, args)
	if err != nil {
		logger.Error("microscope launch failed",
			"kind", classifyAnalyzerError(err),
			"error", err)
		return MicroscopeRun{}, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	logger.Info("microscope launched", "pid", pid, "user_id", user.ID)
	return MicroscopeRun{PID: pid}, nil
}

func classifyAnalyzerError(err error) string {
	var toolErr *analyzer.ToolError
	switch {
	case errors.Is(err, analyzer.ErrInterpreterNotFound):
		return "tool_unavailable"
	case errors.Is(err, analyzer.ErrScriptMissing):
		return "script_missing"
	case errors.Is(err, analyzer.ErrTimeout):
		return "tool_timeout"
	case errors.As(err, &toolErr):
		return "tool_failed"
	default:
		return "spawn_failed"
	}
}
