package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAcquiresExclusiveLock(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir)
	require.Error(t, err)
}

func TestJobLifecycleCRUD(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	j := &Job{
		OwnerID:   "u1",
		VideoPath: "/data/in/show.mkv",
		Mode:      ModeMedium,
		Device:    DeviceAuto,
		SrcLang:   "ja",
		TgtLang:   "en",
		CreatedAt: now,
		UpdatedAt: now,
		State:     JobQueued,
	}
	require.NoError(t, s.PutJob(j))
	require.NotEmpty(t, j.ID)

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, JobQueued, got.State)

	updated, err := s.UpdateJob(j.ID, func(j *Job) error {
		j.State = JobRunning
		j.Progress = 0.5
		j.Message = "running asr"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, JobRunning, updated.State)
	require.InDelta(t, 0.5, updated.Progress, 0.0001)
	require.True(t, updated.UpdatedAt.After(now) || updated.UpdatedAt.Equal(now))

	list, err := s.ListJobs("u1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.GetJob("does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobPersistsRuntimeMap(t *testing.T) {
	s := openTestStore(t)
	j := &Job{OwnerID: "u1", State: JobQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.PutJob(j))

	_, err := s.UpdateJob(j.ID, func(j *Job) error {
		if j.Runtime == nil {
			j.Runtime = map[string]any{}
		}
		j.Runtime["stage"] = "mux"
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, "mux", got.Runtime["stage"])
}

func TestUploadChunkTracking(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	u := &Upload{
		OwnerID:    "u1",
		Filename:   "episode01.mkv",
		TotalBytes: 1000,
		ChunkBytes: 400,
		Received:   map[int]int64{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.PutUpload(u))
	require.Equal(t, 3, u.TotalChunks())
	require.Equal(t, 0, u.NextExpectedChunk())

	_, err := s.UpdateUpload(u.ID, func(u *Upload) error {
		u.Received[0] = 400
		u.ReceivedBytes += 400
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetUpload(u.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400), got.ReceivedBytes)
	require.Equal(t, 1, got.NextExpectedChunk())
}

func TestRefreshTokenRotationAndReplay(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	first := &RefreshToken{
		JTI: "jti-1", UserID: "u1", TokenHash: "h1",
		ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}
	require.NoError(t, s.PutRefreshToken(first))

	second := &RefreshToken{
		JTI: "jti-2", UserID: "u1", TokenHash: "h2",
		ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}
	require.NoError(t, s.RotateRefreshToken("jti-1", second))

	gotFirst, err := s.GetRefreshToken("jti-1")
	require.NoError(t, err)
	require.True(t, gotFirst.Revoked)
	require.Equal(t, "jti-2", gotFirst.ReplacedBy)

	// Replaying the now-revoked token must fail to rotate again.
	third := &RefreshToken{JTI: "jti-3", UserID: "u1", TokenHash: "h3", ExpiresAt: now, CreatedAt: now}
	require.Error(t, s.RotateRefreshToken("jti-1", third))

	require.NoError(t, s.RevokeAllRefreshTokensForUser("u1"))
	gotSecond, err := s.GetRefreshToken("jti-2")
	require.NoError(t, err)
	require.True(t, gotSecond.Revoked)
}

func TestApiKeyLookupByPrefix(t *testing.T) {
	s := openTestStore(t)
	k := &ApiKey{
		Prefix: "dp_abc123", KeyHash: "hashed-secret",
		Scopes: []Scope{ScopeReadJob, ScopeSubmitJob}, UserID: "u1", CreatedAt: time.Now(),
	}
	require.NoError(t, s.PutApiKey(k))

	found, err := s.FindApiKeysByPrefix("dp_abc123")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.True(t, found[0].HasScope(ScopeReadJob))
	require.False(t, found[0].HasScope(ScopeEditJob))

	require.NoError(t, s.RevokeApiKey(found[0].ID))
	found, err = s.FindApiKeysByPrefix("dp_abc123")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestInviteSingleUse(t *testing.T) {
	s := openTestStore(t)
	inv := &Invite{TokenHash: "hash1", CreatedBy: "admin", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	require.NoError(t, s.PutInvite(inv))

	require.NoError(t, s.ConsumeInvite("hash1", "u2"))
	require.Error(t, s.ConsumeInvite("hash1", "u3"))

	got, err := s.GetInvite("hash1")
	require.NoError(t, err)
	require.Equal(t, "u2", got.UsedBy)
}

func TestLibraryVisibilityFiltering(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertLibraryEntry(&LibraryEntry{
		JobID: "j1", OwnerID: "u1", SeriesSlug: "show-a", Season: 1, Episode: 1,
		Visibility: VisibilityPrivate, CreatedAt: now,
	}))
	require.NoError(t, s.UpsertLibraryEntry(&LibraryEntry{
		JobID: "j2", OwnerID: "u2", SeriesSlug: "show-b", Season: 1, Episode: 1,
		Visibility: VisibilityShared, CreatedAt: now,
	}))

	asOwner, err := s.ListLibraryForViewer("u1")
	require.NoError(t, err)
	require.Len(t, asOwner, 2) // owns j1, and j2 is shared

	asStranger, err := s.ListLibraryForViewer("u3")
	require.NoError(t, err)
	require.Len(t, asStranger, 1)
	require.Equal(t, "j2", asStranger[0].JobID)
}

func TestStorageLedgerRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.ReplaceStorageAccounting("uploads", 2048, 3))

	bytesUsed, files, err := s.StorageAccounting("uploads")
	require.NoError(t, err)
	require.Equal(t, int64(2048), bytesUsed)
	require.Equal(t, int64(3), files)

	require.NoError(t, s.ReplaceStorageAccounting("uploads", 4096, 5))
	bytesUsed, files, err = s.StorageAccounting("uploads")
	require.NoError(t, err)
	require.Equal(t, int64(4096), bytesUsed)
	require.Equal(t, int64(5), files)
}
