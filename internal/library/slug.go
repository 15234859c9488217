// Package library derives the slug/season/episode identifiers the
// library index is organized by, and serves the continue-watching and
// recently-viewed views on top of internal/store's view records.
package library

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	nonSlugChar  = regexp.MustCompile(`[^a-z0-9]+`)
	multiHyphen  = regexp.MustCompile(`-{2,}`)
)

// Slugify normalizes a series title into the stable identifier the
// library index groups episodes by. Two titles that differ only by
// case, punctuation, or whitespace land on the same slug, so
// "Attack on Titan" and "attack_on_titan!" both resolve to
// "attack-on-titan".
func Slugify(seriesTitle string) string {
	lower := strings.ToLower(strings.TrimSpace(seriesTitle))
	slug := nonSlugChar.ReplaceAllString(lower, "-")
	slug = multiHyphen.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// EpisodeKey formats the zero-padded "SxxEyy" label used in library
// listings and file naming, matching the convention library_service's
// parser recognizes on the way back in.
func EpisodeKey(season, episode int) string {
	return fmt.Sprintf("S%02dE%02d", season, episode)
}

// DisplayTitle builds a human-readable title for a library entry
// combining the series title with its episode key, falling back to
// the bare series title for season/episode-less uploads (movies,
// one-off clips).
func DisplayTitle(seriesTitle string, season, episode int) string {
	if season == 0 && episode == 0 {
		return seriesTitle
	}
	return fmt.Sprintf("%s %s", seriesTitle, EpisodeKey(season, episode))
}
