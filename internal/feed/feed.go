// Package feed projects a project's build history into a syndication feed.
package feed

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

// Feed is the serializer-independent projection.
type Feed struct {
	Title   string
	Entries []Entry
}

// Entry is one build in the feed.
type Entry struct {
	BuildID     uuid.UUID
	Title       string
	PublishedAt time.Time
}

// EntryTitle labels a build "<display name> - SUCCESS" or "- FAILED".
// Anything but success, including pending and error, reads as FAILED.
func EntryTitle(b *store.Build) string {
	outcome := "FAILED"
	if b.Status == store.BuildStatusSuccess {
		outcome = "SUCCESS"
	}
	return b.DisplayName() + " - " + outcome
}

// Project builds the feed for project from its history, most recent build first.
func Project(project *store.Project, builds []store.Build) Feed {
	sorted := make([]store.Build, len(builds))
	copy(sorted, builds)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		if sorted[i].Number != sorted[j].Number {
			return sorted[i].Number > sorted[j].Number
		}
		return sorted[i].ID.String() > sorted[j].ID.String()
	})

	f := Feed{Title: project.Name + " CI", Entries: make([]Entry, 0, len(sorted))}
	for i := range sorted {
		f.Entries = append(f.Entries, Entry{
			BuildID:     sorted[i].ID,
			Title:       EntryTitle(&sorted[i]),
			PublishedAt: sorted[i].CreatedAt,
		})
	}
	return f
}

// Atom renders f as an Atom document. baseURL prefixes the project and build links.
func Atom(f Feed, project *store.Project, baseURL string) (string, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	projectURL := fmt.Sprintf("%s/projects/%s", baseURL, project.Ref())

	updated := project.UpdatedAt
	if len(f.Entries) > 0 {
		updated = f.Entries[0].PublishedAt
	}

	out := &feeds.Feed{
		Title:   f.Title,
		Link:    &feeds.Link{Href: projectURL},
		Updated: updated,
		Created: project.CreatedAt,
	}
	for _, e := range f.Entries {
		out.Items = append(out.Items, &feeds.Item{
			Id:      "urn:uuid:" + e.BuildID.String(),
			Title:   e.Title,
			Link:    &feeds.Link{Href: fmt.Sprintf("%s/builds/%s", baseURL, e.BuildID)},
			Created: e.PublishedAt,
			Updated: e.PublishedAt,
		})
	}
	// feeds.Atom always derives the feed id from the link
	af := (&feeds.Atom{Feed: out}).AtomFeed()
	af.Id = "urn:uuid:" + project.ID.String()
	return feeds.ToXML(af)
}
