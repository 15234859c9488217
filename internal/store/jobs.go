package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PutJob inserts a new job row, assigning an ID if j.ID is empty.
func (s *Store) PutJob(j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	runtime, err := json.Marshal(nonNilMeta(j.Runtime))
	if err != nil {
		return fmt.Errorf("marshaling job runtime: %w", err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	_, err = s.jobsDB.Exec(`
		INSERT INTO jobs (
			id, owner_id, video_path, duration_s, mode, device, src_lang, tgt_lang,
			created_at, updated_at, state, progress, message, output_mkv, output_srt,
			work_dir, log_path, error, series_title, series_slug, season, episode,
			visibility, runtime
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OwnerID, j.VideoPath, j.DurationS, j.Mode, j.Device, j.SrcLang, j.TgtLang,
		rfc3339(j.CreatedAt), rfc3339(j.UpdatedAt), j.State, j.Progress, j.Message,
		j.OutputMKV, j.OutputSRT, j.WorkDir, j.LogPath, j.Error, j.SeriesTitle,
		j.SeriesSlug, j.Season, j.Episode, j.Visibility, string(runtime),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID, returning ErrNotFound if it doesn't exist.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.jobsDB.QueryRow(jobSelectCols+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// UpdateJob applies fn to the current row and persists the result inside a
// single write-locked read-modify-write, so concurrent updates never race.
func (s *Store) UpdateJob(id string, fn func(j *Job) error) (*Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	row := s.jobsDB.QueryRow(jobSelectCols+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(j); err != nil {
		return nil, err
	}

	runtime, err := json.Marshal(nonNilMeta(j.Runtime))
	if err != nil {
		return nil, fmt.Errorf("marshaling job runtime: %w", err)
	}

	_, err = s.jobsDB.Exec(`
		UPDATE jobs SET
			state=?, progress=?, message=?, output_mkv=?, output_srt=?, work_dir=?,
			log_path=?, error=?, series_title=?, series_slug=?, season=?, episode=?,
			visibility=?, runtime=?, updated_at=?
		WHERE id=?`,
		j.State, j.Progress, j.Message, j.OutputMKV, j.OutputSRT, j.WorkDir,
		j.LogPath, j.Error, j.SeriesTitle, j.SeriesSlug, j.Season, j.Episode,
		j.Visibility, string(runtime), rfc3339(j.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs owned by ownerID, most recently created first.
func (s *Store) ListJobs(ownerID string) ([]*Job, error) {
	rows, err := s.jobsDB.Query(jobSelectCols+" FROM jobs WHERE owner_id = ? ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListAllJobs returns every job in the store, most recently created first.
// Used by the retention sweep.
func (s *Store) ListAllJobs() ([]*Job, error) {
	rows, err := s.jobsDB.Query(jobSelectCols + " FROM jobs ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing all jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobsByState returns every job currently in the given state.
func (s *Store) ListJobsByState(state JobState) ([]*Job, error) {
	rows, err := s.jobsDB.Query(jobSelectCols+" FROM jobs WHERE state = ? ORDER BY created_at ASC", state)
	if err != nil {
		return nil, fmt.Errorf("listing jobs by state: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// DeleteJob removes a job row. Callers are responsible for removing any
// on-disk artifacts first.
func (s *Store) DeleteJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return nil
}

const jobSelectCols = `SELECT
	id, owner_id, video_path, duration_s, mode, device, src_lang, tgt_lang,
	created_at, updated_at, state, progress, message, output_mkv, output_srt,
	work_dir, log_path, error, series_title, series_slug, season, episode,
	visibility, runtime`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var createdAt, updatedAt, runtime string
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.VideoPath, &j.DurationS, &j.Mode, &j.Device, &j.SrcLang, &j.TgtLang,
		&createdAt, &updatedAt, &j.State, &j.Progress, &j.Message, &j.OutputMKV, &j.OutputSRT,
		&j.WorkDir, &j.LogPath, &j.Error, &j.SeriesTitle, &j.SeriesSlug, &j.Season, &j.Episode,
		&j.Visibility, &runtime,
	)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = parseRFC3339(createdAt)
	j.UpdatedAt = parseRFC3339(updatedAt)
	j.Runtime = map[string]any{}
	if runtime != "" {
		_ = json.Unmarshal([]byte(runtime), &j.Runtime)
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nonNilMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func metaJSON(m map[string]any) string {
	b, err := json.Marshal(nonNilMeta(m))
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseMetaJSON(s string) map[string]any {
	m := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}
