package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertLibraryEntry writes (or replaces) the derived library index row for
// a job.
func (s *Store) UpsertLibraryEntry(e *LibraryEntry) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec(`
		INSERT INTO library_entries (job_id, owner_id, series_slug, season, episode, visibility, created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET
			series_slug=excluded.series_slug, season=excluded.season, episode=excluded.episode,
			visibility=excluded.visibility`,
		e.JobID, e.OwnerID, e.SeriesSlug, e.Season, e.Episode, e.Visibility, rfc3339(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting library entry: %w", err)
	}
	return nil
}

// ListLibraryForViewer returns entries visible to viewerID: the viewer's
// own entries plus every entry marked shared, grouped by series.
func (s *Store) ListLibraryForViewer(viewerID string) ([]*LibraryEntry, error) {
	rows, err := s.jobsDB.Query(`
		SELECT job_id, owner_id, series_slug, season, episode, visibility, created_at
		FROM library_entries
		WHERE owner_id = ? OR visibility = ?
		ORDER BY series_slug ASC, season ASC, episode ASC`,
		viewerID, VisibilityShared,
	)
	if err != nil {
		return nil, fmt.Errorf("listing library: %w", err)
	}
	defer rows.Close()

	var out []*LibraryEntry
	for rows.Next() {
		var e LibraryEntry
		var createdAt string
		if err := rows.Scan(&e.JobID, &e.OwnerID, &e.SeriesSlug, &e.Season, &e.Episode, &e.Visibility, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning library row: %w", err)
		}
		e.CreatedAt = parseRFC3339(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListLibraryBySeries returns every index row for one series slug,
// regardless of visibility; callers apply their own visibility filter.
func (s *Store) ListLibraryBySeries(seriesSlug string) ([]*LibraryEntry, error) {
	rows, err := s.jobsDB.Query(`
		SELECT job_id, owner_id, series_slug, season, episode, visibility, created_at
		FROM library_entries
		WHERE series_slug = ?
		ORDER BY season ASC, episode ASC`,
		seriesSlug,
	)
	if err != nil {
		return nil, fmt.Errorf("listing series %q: %w", seriesSlug, err)
	}
	defer rows.Close()

	var out []*LibraryEntry
	for rows.Next() {
		var e LibraryEntry
		var createdAt string
		if err := rows.Scan(&e.JobID, &e.OwnerID, &e.SeriesSlug, &e.Season, &e.Episode, &e.Visibility, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning library row: %w", err)
		}
		e.CreatedAt = parseRFC3339(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteLibraryEntry removes the index row for a job, e.g. after deletion.
func (s *Store) DeleteLibraryEntry(jobID string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec("DELETE FROM library_entries WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("deleting library entry: %w", err)
	}
	return nil
}

// UpsertQAReview inserts or overwrites a reviewer's disposition on one
// job segment.
func (s *Store) UpsertQAReview(r *QAReview) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec(`
		INSERT INTO qa_reviews (job_id, segment_id, status, note, updated_by, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(job_id, segment_id) DO UPDATE SET
			status=excluded.status, note=excluded.note, updated_by=excluded.updated_by,
			updated_at=excluded.updated_at`,
		r.JobID, r.SegmentID, r.Status, r.Note, r.UpdatedBy, rfc3339(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting qa review: %w", err)
	}
	return nil
}

// ListQAReviews returns every review recorded against a job.
func (s *Store) ListQAReviews(jobID string) ([]*QAReview, error) {
	rows, err := s.jobsDB.Query(`
		SELECT job_id, segment_id, status, note, updated_by, updated_at
		FROM qa_reviews WHERE job_id = ? ORDER BY segment_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing qa reviews: %w", err)
	}
	defer rows.Close()

	var out []*QAReview
	for rows.Next() {
		var r QAReview
		var updatedAt string
		if err := rows.Scan(&r.JobID, &r.SegmentID, &r.Status, &r.Note, &r.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning qa review row: %w", err)
		}
		r.UpdatedAt = parseRFC3339(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RecordView upserts the continue-watching marker for a user/series/episode.
func (s *Store) RecordView(v *ViewRecord) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec(`
		INSERT INTO view_records (user_id, series_slug, season, episode, job_id, opened_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(user_id, series_slug, season, episode) DO UPDATE SET
			job_id=excluded.job_id, opened_at=excluded.opened_at`,
		v.UserID, v.SeriesSlug, v.Season, v.Episode, v.JobID, rfc3339(v.OpenedAt),
	)
	if err != nil {
		return fmt.Errorf("recording view: %w", err)
	}
	return nil
}

// RecentViews returns a user's most recently opened episodes, newest first,
// capped at limit rows.
func (s *Store) RecentViews(userID string, limit int) ([]*ViewRecord, error) {
	rows, err := s.jobsDB.Query(`
		SELECT user_id, series_slug, season, episode, job_id, opened_at
		FROM view_records WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent views: %w", err)
	}
	defer rows.Close()

	var out []*ViewRecord
	for rows.Next() {
		var v ViewRecord
		var openedAt string
		if err := rows.Scan(&v.UserID, &v.SeriesSlug, &v.Season, &v.Episode, &v.JobID, &openedAt); err != nil {
			return nil, fmt.Errorf("scanning view row: %w", err)
		}
		v.OpenedAt = parseRFC3339(openedAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// PutVoiceProfile inserts a new voiceprint version for a series character.
func (s *Store) PutVoiceProfile(vp *VoiceProfile) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec(`
		INSERT INTO voice_profiles (id, series_slug, character, version, created_at, meta)
		VALUES (?,?,?,?,?,?)`,
		vp.ID, vp.SeriesSlug, vp.Character, vp.Version, rfc3339(vp.CreatedAt), metaJSON(vp.Meta),
	)
	if err != nil {
		return fmt.Errorf("inserting voice profile: %w", err)
	}
	return nil
}

// LatestVoiceProfile returns the highest-versioned profile for a
// series/character pair, or ErrNotFound if none exists.
func (s *Store) LatestVoiceProfile(seriesSlug, character string) (*VoiceProfile, error) {
	row := s.jobsDB.QueryRow(`
		SELECT id, series_slug, character, version, created_at, meta
		FROM voice_profiles WHERE series_slug = ? AND character = ?
		ORDER BY version DESC LIMIT 1`, seriesSlug, character)

	var vp VoiceProfile
	var createdAt, meta string
	err := row.Scan(&vp.ID, &vp.SeriesSlug, &vp.Character, &vp.Version, &createdAt, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	vp.CreatedAt = parseRFC3339(createdAt)
	vp.Meta = parseMetaJSON(meta)
	return &vp, nil
}

// ReplaceStorageAccounting overwrites the byte/file-count totals tracked
// for a ledger scope (e.g. "uploads", "artifacts", or a per-user scope),
// as computed by a fresh retention sweep.
func (s *Store) ReplaceStorageAccounting(scope string, bytesUsed, fileCount int64) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec(`
		INSERT INTO storage_ledger (scope, bytes_used, file_count, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(scope) DO UPDATE SET
			bytes_used=excluded.bytes_used, file_count=excluded.file_count, updated_at=excluded.updated_at`,
		scope, bytesUsed, fileCount, rfc3339(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("replacing storage accounting: %w", err)
	}
	return nil
}

// StorageAccounting reads back the ledger row for a scope.
func (s *Store) StorageAccounting(scope string) (bytesUsed, fileCount int64, err error) {
	row := s.jobsDB.QueryRow("SELECT bytes_used, file_count FROM storage_ledger WHERE scope = ?", scope)
	err = row.Scan(&bytesUsed, &fileCount)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return bytesUsed, fileCount, err
}
