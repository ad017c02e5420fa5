// Package store contains the database layer for buildplane.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// VCSType selects the version-control backend used to materialize a project's source.
type VCSType string

const (
	VCSGit   VCSType = "git"
	VCSGoGit VCSType = "gogit"
	VCSSVN   VCSType = "svn"
)

// Project is a configured build target.
type Project struct {
	ID        uuid.UUID
	Name      string
	Steps     string // newline separated shell commands
	VCSType   VCSType
	VCSSource string
	VCSBranch string
	HookName  string
	MaxBuilds int // 0 means unlimited
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slug returns the URL-safe form of the project name.
func (p *Project) Slug() string {
	return slug.Make(p.Name)
}

// Ref returns the "<id>-<slug>" composite used in links.
func (p *Project) Ref() string {
	s := p.Slug()
	if s == "" {
		return p.ID.String()
	}
	return p.ID.String() + "-" + s
}

// StepList splits Steps into the ordered commands to run.
// Blank lines are skipped and CRLF endings are tolerated.
func (p *Project) StepList() []string {
	var steps []string
	for _, line := range strings.Split(p.Steps, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		steps = append(steps, line)
	}
	return steps
}

// ParseProjectRef extracts the project ID from "<uuid>" or "<uuid>-<slug>".
func ParseProjectRef(ref string) (uuid.UUID, error) {
	const uuidLen = 36
	if len(ref) > uuidLen && ref[uuidLen] == '-' {
		ref = ref[:uuidLen]
	}
	return uuid.Parse(ref)
}

// Build is one execution attempt of a project's pipeline.
type Build struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	Number     int
	Status     BuildStatus
	Output     string
	Revision   *string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// DisplayName is the stable human-readable label of the build.
func (b *Build) DisplayName() string {
	return fmt.Sprintf("Build #%d @ %s", b.Number, b.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
}

// BuildStatus represents the state of a build.
type BuildStatus string

const (
	BuildStatusPending BuildStatus = "pending"
	BuildStatusRunning BuildStatus = "running"
	BuildStatusSuccess BuildStatus = "success"
	BuildStatusFailed  BuildStatus = "failed"
	BuildStatusError   BuildStatus = "error"
)

// Terminal reports whether no further transitions can happen.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusFailed, BuildStatusError:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusPending, BuildStatusRunning:
		return true
	}
	return s.Terminal()
}

// Direction is a move request in the project order.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)
