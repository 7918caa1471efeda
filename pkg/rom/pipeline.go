package rom

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/superfly/fsm"
	"github.com/twoyi/twoyi-server/pkg/errors"
	"github.com/twoyi/twoyi-server/pkg/kv"
)

// InstallRequest is the pipeline input.
type InstallRequest struct {
	RootfsDir   string
	ArchivePath string
	ThirdParty  bool
}

// InstallResponse is the pipeline output, accumulated across transitions.
type InstallResponse struct {
	// From CheckRom
	CurrentCode int64
	ArchiveCode int64

	// From Stage
	StagedPath string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// Pipeline state names.
const (
	StateCheckRom  = "check_rom"
	StateStage     = "stage"
	StateExtract   = "extract"
	StateInitProps = "init_props"
	StateComplete  = "complete"
	StateFailed    = "failed"
)

// Pipeline drives offline and forced ROM installs as a durable
// workflow: stage the archive, wipe the owned partitions, extract, and
// re-seed vendor properties. The daemon's StartContainer path calls
// Manager.Install directly instead; its boot budget does not admit a
// persisted workflow.
type Pipeline struct {
	manager    *Manager
	maxRetries int
}

// NewPipeline creates an install pipeline over the given manager.
func NewPipeline(manager *Manager, maxRetries int) *Pipeline {
	return &Pipeline{manager: manager, maxRetries: maxRetries}
}

// Register registers the rom-install FSM with the manager.
func (p *Pipeline) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[InstallRequest, InstallResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[InstallRequest, InstallResponse](manager, "rom-install").
		Start(StateCheckRom, p.handleCheckRom).
		To(StateStage, p.handleStage).
		To(StateExtract, p.handleExtract).
		To(StateInitProps, p.handleInitProps).
		To(StateComplete, p.handleComplete).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register rom-install FSM")
	}
	return start, resume, nil
}

func (p *Pipeline) retryExceeded(ctx context.Context, state string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(p.maxRetries) {
		slog.Error("max_retries_exceeded", "state", state, "max_retries", p.maxRetries)
		return fmt.Errorf("max retries (%d) exceeded", p.maxRetries)
	}
	return nil
}

// handleCheckRom probes the installed rootfs and the candidate archive.
func (p *Pipeline) handleCheckRom(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_check_rom", "rootfs", req.Msg.RootfsDir, "archive", req.Msg.ArchivePath)

	if err := p.retryExceeded(ctx, StateCheckRom); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &InstallResponse{}
	}

	archiveInfo := InfoFromArchive(req.Msg.ArchivePath)
	if !archiveInfo.IsValid() {
		slog.Error("archive_info_invalid", "archive", req.Msg.ArchivePath)
		return nil, fsm.Abort(fmt.Errorf("archive %s carries no valid rom.ini", req.Msg.ArchivePath))
	}
	resp.ArchiveCode = archiveInfo.Code

	currentInfo := InfoFromDir(req.Msg.RootfsDir)
	resp.CurrentCode = currentInfo.Code
	slog.Info("rom_versions", "current", currentInfo.String(), "archive", archiveInfo.String())

	return fsm.NewResponse(resp), nil
}

// handleStage copies the archive into the staging directory under its
// canonical name so the daemon can re-extract it on later boots.
func (p *Pipeline) handleStage(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_stage", "archive", req.Msg.ArchivePath)

	if err := p.retryExceeded(ctx, StateStage); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	staged := p.manager.Layout.BundledRom()
	if req.Msg.ThirdParty {
		staged = p.manager.Layout.ThirdPartyRom()
	}

	if req.Msg.ArchivePath != staged {
		if err := copyFile(req.Msg.ArchivePath, staged); err != nil {
			slog.Error("stage_failed", "archive", req.Msg.ArchivePath, "staged", staged, "error", err)
			return nil, errors.Wrap(err, "failed to stage archive")
		}
	}
	resp.StagedPath = staged
	slog.Info("archive_staged", "path", staged)

	return fsm.NewResponse(resp), nil
}

// handleExtract wipes the owned partitions and unpacks the staged
// archive into the rootfs.
func (p *Pipeline) handleExtract(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_extract", "rootfs", req.Msg.RootfsDir)

	if err := p.retryExceeded(ctx, StateExtract); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	p.manager.wipePartition(req.Msg.RootfsDir, "system")
	p.manager.wipePartition(req.Msg.RootfsDir, "vendor")

	if err := Extract(resp.StagedPath, req.Msg.RootfsDir); err != nil {
		resp.ErrorMessage = err.Error()
		return nil, fsm.Abort(errors.Wrap(err, "rootfs extraction failed"))
	}

	return fsm.NewResponse(resp), nil
}

// handleInitProps re-seeds vendor/default.prop from host state.
func (p *Pipeline) handleInitProps(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_init_props", "rootfs", req.Msg.RootfsDir)

	if err := p.retryExceeded(ctx, StateInitProps); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := p.manager.InitRootfs(req.Msg.RootfsDir); err != nil {
		return nil, errors.Wrap(err, "failed to init rootfs")
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete clears the pending force-install flag and marks the
// workflow done.
func (p *Pipeline) handleComplete(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_complete", "rootfs", req.Msg.RootfsDir)

	resp := req.W.Msg
	if resp == nil {
		resp = &InstallResponse{}
	}

	p.manager.KV.SetBool(kv.KeyForceReinstall, false)
	resp.Status = "complete"

	slog.Info("rom_install_complete", "rootfs", req.Msg.RootfsDir, "code", resp.ArchiveCode)
	return fsm.NewResponse(resp), nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
