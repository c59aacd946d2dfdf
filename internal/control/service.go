package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rebvpn/rebnode/internal/updater"
	"github.com/rebvpn/rebnode/internal/xray"
)

// Options configures a control service.
type Options struct {
	// ExecutablePath is the engine binary the next start will launch.
	ExecutablePath string
	// AssetsPath is handed to the engine as its geo asset location.
	AssetsPath string
	// Updater acquires core binaries and geo assets. Required for the
	// update operations.
	Updater *updater.Updater
	// Compose is the deployment descriptor patcher; nil or a missing
	// file skips descriptor patching.
	Compose *updater.Compose
	// Redeployer applies a patched descriptor; optional.
	Redeployer updater.Redeployer
}

// Service is the control-plane facade: it owns the single controller
// session and the single engine process handle, and dispatches
// lifecycle callbacks back to the controller. All operations execute
// sequentially on one control path.
type Service struct {
	guard    *Guard
	updater  *updater.Updater
	compose  *updater.Compose
	redeploy updater.Redeployer
	logger   *slog.Logger

	mu             sync.Mutex
	executablePath string
	assetsPath     string
	core           *xray.Core
	lastConfig     *xray.Config
}

// NewService creates the control service.
func NewService(opts Options) *Service {
	return &Service{
		guard:          NewGuard(),
		updater:        opts.Updater,
		compose:        opts.Compose,
		redeploy:       opts.Redeployer,
		logger:         slog.With("component", "control"),
		executablePath: opts.ExecutablePath,
		assetsPath:     opts.AssetsPath,
	}
}

// Connect arbitrates a new controller channel via the session guard.
func (s *Service) Connect(ctx context.Context, ch Channel) error {
	return s.guard.Admit(ctx, ch)
}

// Disconnect handles a channel teardown notification. If ch is the
// current session its engine process is stopped; notifications from
// superseded channels are ignored.
func (s *Service) Disconnect(ch Channel) {
	if !s.guard.Leave(ch) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Session returns the current controller channel, or nil.
func (s *Service) Session() Channel {
	return s.guard.Current()
}

// Start launches the engine with the given config text. A running
// engine is stopped first. The config is bound to the session peer and
// lifecycle hooks are wired for whichever of the start/stop
// capabilities the channel implements.
func (s *Service) Start(config string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.guard.Current()
	if ch == nil {
		return ErrNoSession
	}

	if s.core != nil {
		s.stopLocked()
	}

	cfg, err := xray.NewConfig(config, ch.Peer())
	if err != nil {
		s.logger.Error("start failed", "error", err)
		return err
	}

	core, err := xray.New(s.executablePath, s.assetsPath)
	if err != nil {
		s.logger.Error("start failed", "error", err)
		return err
	}

	if h, ok := ch.(StartHook); ok {
		core.OnStart(h.OnStart)
	} else {
		s.logger.Debug("controller has no on_start capability, skipped")
	}
	if h, ok := ch.(StopHook); ok {
		core.OnStop(h.OnStop)
	} else {
		s.logger.Debug("controller has no on_stop capability, skipped")
	}

	if err := core.Start(cfg); err != nil {
		s.logger.Error("start failed", "error", err)
		return err
	}

	s.core = core
	s.lastConfig = cfg
	return nil
}

// Stop terminates the engine. It is idempotent: a never-started or
// already-stopped engine is not an error, and the handle is always
// cleared.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Service) stopLocked() {
	if s.core == nil {
		return
	}
	if err := s.core.Stop(); err != nil && !errors.Is(err, xray.ErrNotRunning) {
		s.logger.Warn("error stopping xray", "error", err)
	}
	s.core = nil
	s.lastConfig = nil
}

// Restart rebuilds the config and restarts the engine in place. It
// fails when nothing is running.
func (s *Service) Restart(config string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.guard.Current()
	if ch == nil {
		return ErrNoSession
	}
	if s.core == nil {
		return xray.ErrNotRunning
	}

	cfg, err := xray.NewConfig(config, ch.Peer())
	if err != nil {
		s.logger.Error("restart failed", "error", err)
		return err
	}

	if err := s.core.Restart(cfg); err != nil {
		s.logger.Error("restart failed", "error", err)
		return err
	}

	s.lastConfig = cfg
	return nil
}

// Version returns the running engine's version string.
func (s *Service) Version() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.core == nil {
		return "", xray.ErrNotRunning
	}
	return s.core.Version(), nil
}

// Status describes the agent for monitoring surfaces.
type Status struct {
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
	Peer    string `json:"peer,omitempty"`
}

// Status reports whether an engine is supervised and who controls it.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{}
	if s.core != nil {
		st.Running = s.core.Running()
		st.Version = s.core.Version()
	}
	if ch := s.guard.Current(); ch != nil {
		st.Peer = ch.Peer()
	}
	return st
}

// FetchLogs creates a log stream pushing batched output to callback.
// Returns nil when no engine handle exists; callers must check.
// Concurrent streams compete for lines from the same queue.
func (s *Service) FetchLogs(callback func(string), interval time.Duration) *LogStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.core == nil {
		return nil
	}
	return NewLogStream(s.core.Logs(), callback, interval)
}

// UpdateCore installs the given engine release, repoints the agent at
// the new binary, and — when a deployment descriptor is present —
// patches it and triggers a redeploy. A running engine is stopped
// before its binary is replaced.
func (s *Service) UpdateCore(ctx context.Context, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updater == nil {
		return "", fmt.Errorf("updater not configured")
	}

	if s.core != nil {
		s.stopLocked()
	}

	path, err := s.updater.InstallCore(ctx, version)
	if err != nil {
		s.logger.Error("core update failed", "version", version, "error", err)
		return "", err
	}

	s.executablePath = path

	if s.compose.Exists() {
		err := s.compose.Patch(
			map[string]string{"XRAY_EXECUTABLE_PATH": path},
			nil,
		)
		if err != nil {
			s.logger.Error("descriptor patch failed", "error", err)
			return "", err
		}
		if err := s.redeployLocked(ctx); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("xray-core %s installed at %s", version, path), nil
}

// UpdateGeo downloads a batch of geo assets into the assets directory
// and, when a deployment descriptor is present, ensures the assets
// bind-mount and triggers a redeploy. The first failing item aborts
// the batch.
func (s *Service) UpdateGeo(ctx context.Context, files []updater.AssetFile) ([]updater.SavedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updater == nil {
		return nil, fmt.Errorf("updater not configured")
	}

	saved, err := s.updater.DownloadAssets(ctx, files)
	if err != nil {
		s.logger.Error("geo update failed", "error", err)
		return nil, err
	}

	if s.compose.Exists() {
		err := s.compose.Patch(
			map[string]string{"XRAY_ASSETS_PATH": s.assetsPath},
			[]string{s.updater.AssetsDir + ":" + s.assetsPath},
		)
		if err != nil {
			s.logger.Error("descriptor patch failed", "error", err)
			return nil, err
		}
		if err := s.redeployLocked(ctx); err != nil {
			return nil, err
		}
	}

	return saved, nil
}

func (s *Service) redeployLocked(ctx context.Context) error {
	if s.redeploy == nil {
		return nil
	}
	if err := s.redeploy.Redeploy(ctx); err != nil {
		s.logger.Error("redeploy failed", "error", err)
		return err
	}
	return nil
}
