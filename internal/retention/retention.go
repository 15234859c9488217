// Package retention implements §4.H: per-user quotas, the output-root
// disk guard, the periodic retention sweep, workdir pruning, and
// storage ledger reconciliation. The sweep logic is grounded on
// anime_v2/ops/retention.py's age-cutoff walk-and-purge shape and on
// library_service/internal/scanner's filepath.Walk traversal, adapted
// from a single-root media scan into a multi-root retention pass.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"dubproc/internal/store"
)

// Quotas bounds a user's resource consumption, checked at upload init,
// job create, and scheduler admission.
type Quotas struct {
	MaxUploadBytes    int64
	JobsPerDay        int
	MaxConcurrentJobs int
	MaxStorageBytes   int64
}

// DefaultQuotas is used for any user without an override on file.
var DefaultQuotas = Quotas{
	MaxUploadBytes:    50 << 30, // 50 GiB
	JobsPerDay:        20,
	MaxConcurrentJobs: 3,
	MaxStorageBytes:   500 << 30, // 500 GiB
}

// Config holds the sweep's tunables, one field per environment
// variable named in §6.
type Config struct {
	OutputRoot  string
	UploadsRoot string
	LogsRoot    string

	MinFreeGB            int64
	UploadTTLHours        int
	JobArtifactDays       int
	LogDays               int
	WorkStaleMaxHours     int
}

// Service runs quota checks, the disk guard, and the periodic sweep.
type Service struct {
	store  *store.Store
	config Config
}

// New builds a retention service over cfg.
func New(st *store.Store, cfg Config) *Service {
	return &Service{store: st, config: cfg}
}

// ErrQuotaExceeded is returned by the quota checks below.
type ErrQuotaExceeded struct {
	Reason string
}

func (e *ErrQuotaExceeded) Error() string { return "quota exceeded: " + e.Reason }

// CheckUploadQuota rejects an upload init whose declared size would
// exceed the user's max upload size or push them over their storage cap.
func (s *Service) CheckUploadQuota(userID string, declaredBytes int64, q Quotas) error {
	if declaredBytes > q.MaxUploadBytes {
		return &ErrQuotaExceeded{Reason: fmt.Sprintf("upload of %s exceeds max upload size %s",
			humanize.Bytes(uint64(declaredBytes)), humanize.Bytes(uint64(q.MaxUploadBytes)))}
	}
	used, _, err := s.store.StorageAccounting("user:" + userID)
	if err != nil {
		return fmt.Errorf("reading storage accounting: %w", err)
	}
	if used+declaredBytes > q.MaxStorageBytes {
		return &ErrQuotaExceeded{Reason: fmt.Sprintf("storage usage %s plus upload would exceed cap %s",
			humanize.Bytes(uint64(used)), humanize.Bytes(uint64(q.MaxStorageBytes)))}
	}
	return nil
}

// CheckJobQuota rejects a job create that would exceed a user's
// concurrent-job limit or daily job count.
func (s *Service) CheckJobQuota(userID string, q Quotas) error {
	jobs, err := s.store.ListJobs(userID)
	if err != nil {
		return fmt.Errorf("listing jobs for quota check: %w", err)
	}
	concurrent := 0
	today := 0
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, j := range jobs {
		if j.State == store.JobQueued || j.State == store.JobRunning {
			concurrent++
		}
		if j.CreatedAt.After(cutoff) {
			today++
		}
	}
	if concurrent >= q.MaxConcurrentJobs {
		return &ErrQuotaExceeded{Reason: fmt.Sprintf("already %d concurrent jobs (limit %d)", concurrent, q.MaxConcurrentJobs)}
	}
	if today >= q.JobsPerDay {
		return &ErrQuotaExceeded{Reason: fmt.Sprintf("already %d jobs in the last 24h (limit %d)", today, q.JobsPerDay)}
	}
	return nil
}

// ErrDiskFull is returned by CheckDiskGuard when free space on the
// output root is below the configured minimum. Callers translate this
// to a 507 Insufficient Storage response.
var ErrDiskFull = fmt.Errorf("insufficient free space on output root")

// CheckDiskGuard stats the output root's filesystem and fails closed
// when free space is below MinFreeGB.
func (s *Service) CheckDiskGuard() error {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.config.OutputRoot, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", s.config.OutputRoot, err)
	}
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	minBytes := uint64(s.config.MinFreeGB) << 30
	if freeBytes < minBytes {
		log.WithFields(log.Fields{
			"free":  humanize.Bytes(freeBytes),
			"min":   humanize.Bytes(minBytes),
			"root":  s.config.OutputRoot,
		}).Warn("disk guard tripped")
		return ErrDiskFull
	}
	return nil
}

// Result summarizes one sweep pass, reported to the caller for logging.
type Result struct {
	UploadsRemoved   int
	ArtifactsRemoved int
	LogsRemoved      int
	WorkdirsPruned   int
	BytesReclaimed   int64
}

// Sweep runs one full retention pass: stale uploads, stale job
// artifacts, stale logs, stale workdirs, then reconciles the storage
// ledger against what's left on disk.
func (s *Service) Sweep() (*Result, error) {
	res := &Result{}

	if err := s.purgeStaleUploads(res); err != nil {
		return res, fmt.Errorf("purging stale uploads: %w", err)
	}
	if err := s.purgeStaleArtifacts(res); err != nil {
		return res, fmt.Errorf("purging stale artifacts: %w", err)
	}
	if err := s.purgeStaleLogs(res); err != nil {
		return res, fmt.Errorf("purging stale logs: %w", err)
	}
	if err := s.pruneWorkdirs(res); err != nil {
		return res, fmt.Errorf("pruning workdirs: %w", err)
	}
	if err := s.reconcileLedger(); err != nil {
		return res, fmt.Errorf("reconciling storage ledger: %w", err)
	}

	log.WithFields(log.Fields{
		"uploads_removed":   res.UploadsRemoved,
		"artifacts_removed": res.ArtifactsRemoved,
		"logs_removed":      res.LogsRemoved,
		"workdirs_pruned":   res.WorkdirsPruned,
		"bytes_reclaimed":   humanize.Bytes(uint64(res.BytesReclaimed)),
	}).Info("retention sweep complete")
	return res, nil
}

func (s *Service) purgeStaleUploads(res *Result) error {
	cutoff := time.Now().Add(-time.Duration(s.config.UploadTTLHours) * time.Hour)
	uploads, err := s.store.ListAllUploads()
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if u.Completed || u.UpdatedAt.After(cutoff) {
			continue
		}
		if u.PartPath != "" {
			if n, err := secureDeleteFile(u.PartPath); err == nil {
				res.BytesReclaimed += n
			}
		}
		if err := s.store.DeleteUpload(u.ID); err != nil {
			log.WithError(err).WithField("upload_id", u.ID).Warn("failed to delete stale upload record")
			continue
		}
		res.UploadsRemoved++
	}
	return nil
}

func (s *Service) purgeStaleArtifacts(res *Result) error {
	cutoff := time.Now().Add(-time.Duration(s.config.JobArtifactDays) * 24 * time.Hour)
	jobs, err := s.store.ListAllJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		if pinned, _ := j.Runtime["pinned"].(bool); pinned {
			continue
		}
		for _, p := range []string{j.OutputMKV, j.OutputSRT} {
			if p == "" {
				continue
			}
			if n, err := secureDeleteFile(p); err == nil {
				res.BytesReclaimed += n
			}
		}
		res.ArtifactsRemoved++
	}
	return nil
}

func (s *Service) purgeStaleLogs(res *Result) error {
	cutoff := time.Now().Add(-time.Duration(s.config.LogDays) * 24 * time.Hour)
	if s.config.LogsRoot == "" {
		return nil
	}
	return filepath.Walk(s.config.LogsRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if n, derr := secureDeleteFile(path); derr == nil {
			res.LogsRemoved++
			res.BytesReclaimed += n
		}
		return nil
	})
}

func (s *Service) pruneWorkdirs(res *Result) error {
	cutoff := time.Now().Add(-time.Duration(s.config.WorkStaleMaxHours) * time.Hour)
	if s.config.OutputRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(s.config.OutputRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		workDir := filepath.Join(s.config.OutputRoot, e.Name(), "work")
		info, err := os.Stat(workDir)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(workDir); err != nil {
			log.WithError(err).WithField("workdir", workDir).Warn("failed to prune stale workdir")
			continue
		}
		res.WorkdirsPruned++
	}
	return nil
}

// reconcileLedger walks OutputRoot and UploadsRoot and replaces the
// ledger's byte/file-count totals with what's actually on disk,
// counting symlinks that escape the root as zero.
func (s *Service) reconcileLedger() error {
	for scope, root := range map[string]string{"artifacts": s.config.OutputRoot, "uploads": s.config.UploadsRoot} {
		if root == "" {
			continue
		}
		bytesUsed, fileCount, err := walkAccounting(root)
		if err != nil {
			return err
		}
		if err := s.store.ReplaceStorageAccounting(scope, bytesUsed, fileCount); err != nil {
			return err
		}
	}
	return nil
}

func walkAccounting(root string) (bytesUsed, fileCount int64, err error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, 0, err
	}
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil || !strings.HasPrefix(resolved, absRoot) {
				log.WithField("path", path).Warn("symlink resolves outside root, counted as 0")
				return nil
			}
		}
		bytesUsed += info.Size()
		fileCount++
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return bytesUsed, fileCount, walkErr
	}
	return bytesUsed, fileCount, nil
}

// secureDeleteFile best-effort zero-overwrites a file before unlinking
// it, matching anime_v2's secure-delete behavior for uploaded source
// media. Not guaranteed on journaling filesystems or SSDs.
func secureDeleteFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	size := info.Size()
	if size > 0 {
		if f, err := os.OpenFile(path, os.O_WRONLY, 0o644); err == nil {
			zero := make([]byte, 1<<20)
			var written int64
			for written < size {
				n := int64(len(zero))
				if remaining := size - written; remaining < n {
					n = remaining
				}
				if _, werr := f.WriteAt(zero[:n], written); werr != nil {
					break
				}
				written += n
			}
			f.Sync()
			f.Close()
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return size, nil
}
