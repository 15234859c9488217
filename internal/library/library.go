package library

import (
	"fmt"
	"strings"
	"time"

	"dubproc/internal/auth"
	"dubproc/internal/store"
)

// Series groups a viewer's visible episodes under one series_slug,
// the shape the /api/library browse view returns.
type Series struct {
	SeriesSlug string               `json:"series_slug"`
	Episodes   []*store.LibraryEntry `json:"episodes"`
}

// Service answers library browse/continue-watching queries against the
// durable store, enforcing the same visibility rules the job gateway
// does.
type Service struct {
	store *store.Store
}

// New builds a library Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Browse returns every episode visible to viewerID (their own plus any
// marked shared), grouped into series and ordered by series slug then
// season/episode.
func (s *Service) Browse(viewerID string) ([]*Series, error) {
	entries, err := s.store.ListLibraryForViewer(viewerID)
	if err != nil {
		return nil, fmt.Errorf("listing library for %s: %w", viewerID, err)
	}

	bySlug := map[string]*Series{}
	var order []string
	for _, e := range entries {
		ser, ok := bySlug[e.SeriesSlug]
		if !ok {
			ser = &Series{SeriesSlug: e.SeriesSlug}
			bySlug[e.SeriesSlug] = ser
			order = append(order, e.SeriesSlug)
		}
		ser.Episodes = append(ser.Episodes, e)
	}

	out := make([]*Series, 0, len(order))
	for _, slug := range order {
		out = append(out, bySlug[slug])
	}
	return out, nil
}

// Search returns the viewer's visible series whose slug contains q,
// case-insensitively. An empty q behaves like Browse.
func (s *Service) Search(viewerID, q string) ([]*Series, error) {
	all, err := s.Browse(viewerID)
	if err != nil {
		return nil, err
	}
	if q == "" {
		return all, nil
	}
	needle := strings.ToLower(q)
	out := make([]*Series, 0, len(all))
	for _, ser := range all {
		if strings.Contains(strings.ToLower(ser.SeriesSlug), needle) {
			out = append(out, ser)
		}
	}
	return out, nil
}

// visibleSeriesEntries returns the entries of one series the viewer may
// see. A series with no rows at all maps to store.ErrNotFound; a series
// whose rows all fail the visibility check maps to auth.ErrForbidden,
// so a non-owner can't distinguish a private series from one they were
// never told about beyond the status code the spec assigns.
func (s *Service) visibleSeriesEntries(viewerID string, viewerRole store.Role, slug string) ([]*store.LibraryEntry, error) {
	entries, err := s.store.ListLibraryBySeries(slug)
	if err != nil {
		return nil, fmt.Errorf("listing series %q: %w", slug, err)
	}
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	var visible []*store.LibraryEntry
	for _, e := range entries {
		if auth.CanView(viewerID, viewerRole, e.OwnerID, e.Visibility) {
			visible = append(visible, e)
		}
	}
	if len(visible) == 0 {
		return nil, auth.ErrForbidden
	}
	return visible, nil
}

// Seasons returns the distinct season numbers of a series that hold at
// least one episode visible to the viewer, ascending.
func (s *Service) Seasons(viewerID string, viewerRole store.Role, slug string) ([]int, error) {
	visible, err := s.visibleSeriesEntries(viewerID, viewerRole, slug)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var seasons []int
	for _, e := range visible {
		if !seen[e.Season] {
			seen[e.Season] = true
			seasons = append(seasons, e.Season)
		}
	}
	return seasons, nil
}

// Episodes returns one season's episodes visible to the viewer, in
// episode order.
func (s *Service) Episodes(viewerID string, viewerRole store.Role, slug string, season int) ([]*store.LibraryEntry, error) {
	visible, err := s.visibleSeriesEntries(viewerID, viewerRole, slug)
	if err != nil {
		return nil, err
	}
	var out []*store.LibraryEntry
	for _, e := range visible {
		if e.Season == season {
			out = append(out, e)
		}
	}
	return out, nil
}

// IndexJob derives a library_entries row from a job and upserts it,
// using Slugify on the job's series title if the job hasn't already been
// assigned a slug. It runs when a job is created and again when its
// visibility changes.
func (s *Service) IndexJob(j *store.Job) error {
	slug := j.SeriesSlug
	if slug == "" {
		slug = Slugify(j.SeriesTitle)
	}
	return s.store.UpsertLibraryEntry(&store.LibraryEntry{
		JobID:      j.ID,
		OwnerID:    j.OwnerID,
		SeriesSlug: slug,
		Season:     j.Season,
		Episode:    j.Episode,
		Visibility: j.Visibility,
		CreatedAt:  j.CreatedAt,
	})
}

// RecordView marks that viewerID opened job's episode, for the
// continue-watching index. It requires the caller to already have
// view access to the underlying job.
func (s *Service) RecordView(viewerID string, viewerRole store.Role, job *store.Job) error {
	if !auth.CanView(viewerID, viewerRole, job.OwnerID, job.Visibility) {
		return auth.ErrForbidden
	}
	slug := job.SeriesSlug
	if slug == "" {
		slug = Slugify(job.SeriesTitle)
	}
	return s.store.RecordView(&store.ViewRecord{
		UserID:     viewerID,
		SeriesSlug: slug,
		Season:     job.Season,
		Episode:    job.Episode,
		JobID:      job.ID,
		OpenedAt:   time.Now(),
	})
}

// RecentEpisode is one row of a viewer's continue-watching list.
type RecentEpisode struct {
	SeriesSlug string `json:"series_slug"`
	Season     int    `json:"season"`
	Episode    int    `json:"episode"`
	JobID      string `json:"job_id"`
}

// Recent returns a viewer's most recently opened episodes, newest
// first, matching discovery_service's continue-watching ordering.
func (s *Service) Recent(viewerID string, limit int) ([]RecentEpisode, error) {
	if limit <= 0 {
		limit = 20
	}
	views, err := s.store.RecentViews(viewerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent views for %s: %w", viewerID, err)
	}
	out := make([]RecentEpisode, 0, len(views))
	for _, v := range views {
		out = append(out, RecentEpisode{
			SeriesSlug: v.SeriesSlug,
			Season:     v.Season,
			Episode:    v.Episode,
			JobID:      v.JobID,
		})
	}
	return out, nil
}
