package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutUpload inserts a new upload session, assigning an ID if empty.
func (s *Store) PutUpload(u *Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	received, err := json.Marshal(nonNilReceived(u.Received))
	if err != nil {
		return fmt.Errorf("marshaling upload received map: %w", err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	_, err = s.jobsDB.Exec(`
		INSERT INTO uploads (
			id, owner_id, filename, total_bytes, chunk_bytes, received, received_bytes,
			completed, part_path, final_path, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.OwnerID, u.Filename, u.TotalBytes, u.ChunkBytes, string(received), u.ReceivedBytes,
		u.Completed, u.PartPath, u.FinalPath, rfc3339(u.CreatedAt), rfc3339(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting upload: %w", err)
	}
	return nil
}

// GetUpload fetches an upload session by ID.
func (s *Store) GetUpload(id string) (*Upload, error) {
	row := s.jobsDB.QueryRow(uploadSelectCols+" FROM uploads WHERE id = ?", id)
	u, err := scanUpload(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

// UpdateUpload applies fn to the current row and persists the result
// atomically, so two chunk writes for the same session can't race.
func (s *Store) UpdateUpload(id string, fn func(u *Upload) error) (*Upload, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	row := s.jobsDB.QueryRow(uploadSelectCols+" FROM uploads WHERE id = ?", id)
	u, err := scanUpload(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(u); err != nil {
		return nil, err
	}
	u.UpdatedAt = time.Now().UTC()

	received, err := json.Marshal(nonNilReceived(u.Received))
	if err != nil {
		return nil, fmt.Errorf("marshaling upload received map: %w", err)
	}

	_, err = s.jobsDB.Exec(`
		UPDATE uploads SET
			received=?, received_bytes=?, completed=?, part_path=?, final_path=?, updated_at=?
		WHERE id=?`,
		string(received), u.ReceivedBytes, u.Completed, u.PartPath, u.FinalPath, rfc3339(u.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating upload: %w", err)
	}
	return u, nil
}

// ListUploads returns upload sessions owned by ownerID, newest first.
func (s *Store) ListUploads(ownerID string) ([]*Upload, error) {
	rows, err := s.jobsDB.Query(uploadSelectCols+" FROM uploads WHERE owner_id = ? ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	var out []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListAllUploads returns every upload session in the store, used by the
// retention sweep to find stale incomplete uploads regardless of owner.
func (s *Store) ListAllUploads() ([]*Upload, error) {
	rows, err := s.jobsDB.Query(uploadSelectCols + " FROM uploads ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing all uploads: %w", err)
	}
	defer rows.Close()

	var out []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUpload removes an upload session row.
func (s *Store) DeleteUpload(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, err := s.jobsDB.Exec("DELETE FROM uploads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}
	return nil
}

const uploadSelectCols = `SELECT
	id, owner_id, filename, total_bytes, chunk_bytes, received, received_bytes,
	completed, part_path, final_path, created_at, updated_at`

func scanUpload(row rowScanner) (*Upload, error) {
	var u Upload
	var received, createdAt, updatedAt string
	err := row.Scan(
		&u.ID, &u.OwnerID, &u.Filename, &u.TotalBytes, &u.ChunkBytes, &received, &u.ReceivedBytes,
		&u.Completed, &u.PartPath, &u.FinalPath, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseRFC3339(createdAt)
	u.UpdatedAt = parseRFC3339(updatedAt)
	u.Received = map[int]int64{}
	if received != "" {
		var strKeyed map[string]int64
		if err := json.Unmarshal([]byte(received), &strKeyed); err == nil {
			for k, v := range strKeyed {
				var idx int
				if _, err := fmt.Sscanf(k, "%d", &idx); err == nil {
					u.Received[idx] = v
				}
			}
		}
	}
	return &u, nil
}

func nonNilReceived(m map[int]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[fmt.Sprintf("%d", k)] = v
	}
	return out
}
