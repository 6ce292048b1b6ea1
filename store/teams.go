package store

import (
	"encoding/json"
	"fmt"
	"slices"
)

type teamEntry struct {
	TeamName string            `json:"teamname"`
	Members  []json.RawMessage `json:"members"`
}

// ParseTeams returns the team names of a teaminfo document in order. An
// empty document holds only the default team.
func ParseTeams(teaminfo string) ([]string, error) {
	if teaminfo == "" {
		return []string{DefaultTeamName}, nil
	}

	var entries []teamEntry
	if err := json.Unmarshal([]byte(teaminfo), &entries); err != nil {
		return nil, fmt.Errorf("parse teaminfo: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.TeamName != "" {
			names = append(names, e.TeamName)
		}
	}

	return names, nil
}

// FormatTeams renders team names as a teaminfo document with empty member
// lists; members are derived from relationships.
func FormatTeams(names []string) string {
	entries := make([]teamEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, teamEntry{TeamName: name, Members: []json.RawMessage{}})
	}

	data, _ := json.Marshal(entries)
	return string(data)
}

// TeamOp is an edit of a user's team list.
type TeamOp int32

const (
	TeamAdd    TeamOp = 0
	TeamDelete TeamOp = 1
	TeamModify TeamOp = 2
)

// EditTeams applies op to the team names and returns the new list. The
// default team cannot be deleted or renamed.
func EditTeams(names []string, op TeamOp, newName, oldName string) ([]string, error) {
	switch op {
	case TeamAdd:
		if newName == "" {
			return nil, fmt.Errorf("%w: empty team name", ErrInvalidArgument)
		}

		if slices.Contains(names, newName) {
			return nil, fmt.Errorf("%w: team %q exists", ErrInvalidArgument, newName)
		}

		return append(slices.Clone(names), newName), nil

	case TeamDelete:
		if oldName == DefaultTeamName {
			return nil, fmt.Errorf("%w: default team cannot be deleted", ErrInvalidArgument)
		}

		i := slices.Index(names, oldName)
		if i < 0 {
			return nil, fmt.Errorf("%w: team %q not found", ErrInvalidArgument, oldName)
		}

		return slices.Delete(slices.Clone(names), i, i+1), nil

	case TeamModify:
		if oldName == DefaultTeamName {
			return nil, fmt.Errorf("%w: default team cannot be renamed", ErrInvalidArgument)
		}

		if newName == "" || slices.Contains(names, newName) {
			return nil, fmt.Errorf("%w: bad new team name %q", ErrInvalidArgument, newName)
		}

		i := slices.Index(names, oldName)
		if i < 0 {
			return nil, fmt.Errorf("%w: team %q not found", ErrInvalidArgument, oldName)
		}

		out := slices.Clone(names)
		out[i] = newName
		return out, nil

	default:
		return nil, fmt.Errorf("%w: team operation %d", ErrInvalidArgument, op)
	}
}
