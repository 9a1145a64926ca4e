// Package lipsync produces blendshape animation for reply audio.
package lipsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/saga"
)

const (
	defaultFPS            = 30
	defaultRequestTimeout = 30 * time.Second
	initTimeout           = 2 * time.Minute

	dataPlayer = "player"
	dataSolver = "solver"
)

var ErrNotInitialized = errors.New("audio2face not initialized")

// Config configures the Audio2Face client.
type Config struct {
	URL     string
	USDPath string
	// WorkDir must be visible to the Audio2Face host under the same path.
	WorkDir string
	FPS     int
}

// Audio2Face generates lip-sync through the Audio2Face headless REST API.
// The service holds one track at a time, so Generate never queues: while a
// request is in flight it returns repositories.ErrLipSyncBusy.
type Audio2Face struct {
	cfg    Config
	client *http.Client
	sagas  *saga.Manager
	logger *zap.Logger

	busy sync.Mutex

	mu     sync.RWMutex
	player string
	solver string
	ready  bool
}

// NewAudio2Face creates a client. Call Init before Generate.
func NewAudio2Face(cfg Config, client *http.Client, sagas *saga.Manager, logger *zap.Logger) *Audio2Face {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "voxlink-a2f")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Audio2Face{
		cfg:    cfg,
		client: client,
		sagas:  sagas,
		logger: logger,
	}
}

// Type implements repositories.LipSyncGenerator
func (a *Audio2Face) Type() repositories.LipSyncType {
	return repositories.LipSyncAudio2Face
}

type initDefinition struct {
	steps []saga.Step
}

func (d initDefinition) ID() string             { return "audio2face_init" }
func (d initDefinition) Steps() []saga.Step     { return d.steps }
func (d initDefinition) Timeout() time.Duration { return initTimeout }

// Init checks the service, loads the scene and discovers the player and
// solver instances. Generate fails until Init succeeds.
func (a *Audio2Face) Init(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	def := initDefinition{steps: []saga.Step{
		saga.StepFunc{Name: "status", Run: a.checkStatus},
		saga.StepFunc{Name: "load_usd", Run: a.loadUSD},
		saga.StepFunc{Name: "discover_player", Run: a.discoverPlayer},
		saga.StepFunc{Name: "discover_solver", Run: a.discoverSolver},
		saga.StepFunc{Name: "set_root_path", Run: a.setRootPath},
	}}

	data := saga.SagaData{}
	sagaID, err := a.sagas.Run(ctx, def, data)
	if err != nil {
		a.logger.Error("Audio2Face initialization failed", zap.String("sagaID", string(sagaID)), zap.Error(err))
		return err
	}

	a.mu.Lock()
	a.player = data.String(dataPlayer)
	a.solver = data.String(dataSolver)
	a.ready = true
	a.mu.Unlock()

	a.logger.Info("Audio2Face initialized",
		zap.String("player", data.String(dataPlayer)),
		zap.String("solver", data.String(dataSolver)))
	return nil
}

func (a *Audio2Face) checkStatus(ctx context.Context, data saga.SagaData) error {
	var status string
	if err := a.call(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return err
	}
	if status != "OK" {
		return fmt.Errorf("service status %q", status)
	}
	return nil
}

func (a *Audio2Face) loadUSD(ctx context.Context, data saga.SagaData) error {
	if a.cfg.USDPath == "" {
		return nil
	}
	return a.command(ctx, "/A2F/USD/Load", map[string]any{"file_name": a.cfg.USDPath})
}

func (a *Audio2Face) discoverPlayer(ctx context.Context, data saga.SagaData) error {
	var instances struct {
		Regular   []string `json:"regular"`
		Streaming []string `json:"streaming"`
	}
	if err := a.result(ctx, http.MethodGet, "/A2F/Player/GetInstances", nil, &instances); err != nil {
		return err
	}
	if len(instances.Regular) == 0 {
		return errors.New("no regular audio player instance")
	}
	data[dataPlayer] = instances.Regular[0]
	return nil
}

func (a *Audio2Face) discoverSolver(ctx context.Context, data saga.SagaData) error {
	var instances struct {
		FullFace []string `json:"fullface_instances"`
	}
	if err := a.result(ctx, http.MethodGet, "/A2F/GetInstances", nil, &instances); err != nil {
		return err
	}
	if len(instances.FullFace) == 0 {
		return errors.New("no full face instance")
	}

	var nodes []string
	body := map[string]any{"node_path": instances.FullFace[0]}
	if err := a.result(ctx, http.MethodPost, "/A2F/Exporter/GetBlendShapeSolvers", body, &nodes); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return errors.New("no blendshape solver")
	}
	data[dataSolver] = nodes[0]
	return nil
}

func (a *Audio2Face) setRootPath(ctx context.Context, data saga.SagaData) error {
	return a.command(ctx, "/A2F/Player/SetRootPath", map[string]any{
		"a2f_player": data.String(dataPlayer),
		"dir_path":   a.cfg.WorkDir,
	})
}

// Generate implements repositories.LipSyncGenerator
func (a *Audio2Face) Generate(ctx context.Context, raw []byte, buffer repositories.PlayableBuffer) (*repositories.LipSyncData, error) {
	a.mu.RLock()
	ready, player, solver := a.ready, a.player, a.solver
	a.mu.RUnlock()
	if !ready {
		return nil, ErrNotInitialized
	}

	if !a.busy.TryLock() {
		return nil, repositories.ErrLipSyncBusy
	}
	defer a.busy.Unlock()

	name := uuid.NewString()
	track := name + ".wav"
	trackPath := filepath.Join(a.cfg.WorkDir, track)
	if err := os.WriteFile(trackPath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write track: %w", err)
	}
	defer os.Remove(trackPath)

	if err := a.command(ctx, "/A2F/Player/SetTrack", map[string]any{
		"a2f_player": player,
		"file_name":  track,
		"time_range": []float64{0, -1},
	}); err != nil {
		return nil, err
	}

	export := name + "_bsweight"
	if err := a.command(ctx, "/A2F/Exporter/ExportBlendshapes", map[string]any{
		"solver_node":      solver,
		"export_directory": a.cfg.WorkDir,
		"file_name":        export,
		"format":           "json",
		"batch":            false,
		"fps":              a.cfg.FPS,
	}); err != nil {
		return nil, err
	}

	exportPath := filepath.Join(a.cfg.WorkDir, export+".json")
	defer os.Remove(exportPath)
	content, err := os.ReadFile(exportPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read exported blendshapes: %w", err)
	}

	data, err := ParseBlendshapes(content)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Audio2Face lip-sync generated",
		zap.Int("frames", len(data.Frames)),
		zap.Duration("audio", buffer.Duration()))
	return data, nil
}

// ParseBlendshapes decodes an Audio2Face JSON blendshape export.
func ParseBlendshapes(content []byte) (*repositories.LipSyncData, error) {
	var export struct {
		ExportFPS float64     `json:"exportFps"`
		FacsNames []string    `json:"facsNames"`
		WeightMat [][]float64 `json:"weightMat"`
	}
	if err := json.Unmarshal(content, &export); err != nil {
		return nil, fmt.Errorf("failed to decode blendshapes: %w", err)
	}
	for i, frame := range export.WeightMat {
		if len(frame) != len(export.FacsNames) {
			return nil, fmt.Errorf("frame %d has %d weights, expected %d", i, len(frame), len(export.FacsNames))
		}
	}
	return &repositories.LipSyncData{
		Type:   repositories.LipSyncAudio2Face,
		FPS:    export.ExportFPS,
		Names:  export.FacsNames,
		Frames: export.WeightMat,
	}, nil
}

type response struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
}

// command posts body and checks the reply status.
func (a *Audio2Face) command(ctx context.Context, path string, body any) error {
	return a.result(ctx, http.MethodPost, path, body, nil)
}

// result calls path and decodes the "result" field of the reply into out.
func (a *Audio2Face) result(ctx context.Context, method, path string, body, out any) error {
	var resp response
	if err := a.call(ctx, method, path, body, &resp); err != nil {
		return err
	}
	if resp.Status != "OK" {
		return fmt.Errorf("%s: %s %s", path, resp.Status, resp.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", path, err)
	}
	return nil
}

func (a *Audio2Face) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.URL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
