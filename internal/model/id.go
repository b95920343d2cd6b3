package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDKind is the prefix that tells task ids from event ids.
type IDKind string

const (
	IDKindTask  IDKind = "task"
	IDKindEvent IDKind = "evt"
)

// maxProjectSlug bounds the project segment so ids stay readable in logs
// and file names.
const maxProjectSlug = 32

// Task ids read task_<project>_<ulid>; event ids read evt_<ulid>. The ulid
// keeps ids of one project sorted by creation time.
var (
	taskIDRegex  = regexp.MustCompile(`^task_([a-z0-9][a-z0-9-]{0,31})_([0-9A-HJKMNP-TV-Z]{26})$`)
	eventIDRegex = regexp.MustCompile(`^evt_([0-9A-HJKMNP-TV-Z]{26})$`)
)

// ProjectSlug reduces a project id to the lowercase [a-z0-9-] form used in
// task ids. Other runes collapse to single dashes. It returns "" when
// nothing usable is left.
func ProjectSlug(projectID string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(projectID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxProjectSlug {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// NewTaskID returns a fresh id scoped to projectID.
func NewTaskID(projectID string) (string, error) {
	slug := ProjectSlug(projectID)
	if slug == "" {
		return "", fmt.Errorf("project id %q has no usable characters", projectID)
	}
	return fmt.Sprintf("%s_%s_%s", IDKindTask, slug, ulid.Make()), nil
}

func NewEventID() string {
	return fmt.Sprintf("%s_%s", IDKindEvent, ulid.Make())
}

// ParsedID is the decoded form of a task or event id.
type ParsedID struct {
	Kind    IDKind
	Project string // slug; empty for events
	Time    time.Time
}

func ParseID(id string) (ParsedID, error) {
	var (
		p   ParsedID
		raw string
	)
	if m := taskIDRegex.FindStringSubmatch(id); m != nil {
		p.Kind, p.Project, raw = IDKindTask, m[1], m[2]
	} else if m := eventIDRegex.FindStringSubmatch(id); m != nil {
		p.Kind, raw = IDKindEvent, m[1]
	} else {
		return ParsedID{}, fmt.Errorf("invalid ID format: %s", id)
	}
	u, err := ulid.ParseStrict(raw)
	if err != nil {
		return ParsedID{}, fmt.Errorf("invalid ID %s: %w", id, err)
	}
	p.Time = ulid.Time(u.Time()).UTC()
	return p, nil
}

func ValidateID(id string) bool {
	_, err := ParseID(id)
	return err == nil
}
