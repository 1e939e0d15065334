// Package porcelain parses `git status --porcelain=v2 -z` output into
// working-tree change entries.
package porcelain

import (
	"sort"
	"strings"

	"github.com/nerfZael/dronehub/model"
)

// TypeForChar maps a git status character to a change type. '.' means no
// change and maps to the empty type.
func TypeForChar(c byte) model.ChangeType {
	switch c {
	case '.':
		return ""
	case 'M':
		return model.ChangeModified
	case 'A':
		return model.ChangeAdded
	case 'D':
		return model.ChangeDeleted
	case 'R':
		return model.ChangeRenamed
	case 'C':
		return model.ChangeCopied
	case 'T':
		return model.ChangeTypeChanged
	case 'U':
		return model.ChangeUnmerged
	case '?':
		return model.ChangeUntracked
	case '!':
		return model.ChangeIgnored
	default:
		return model.ChangeUnknown
	}
}

// Parse decodes NUL-terminated porcelain v2 output. Unrecognized records are
// skipped rather than erroring; entries come back sorted by path.
func Parse(out []byte) []model.ChangeEntry {
	tokens := strings.Split(string(out), "\x00")
	var entries []model.ChangeEntry

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "" {
			continue
		}
		switch tok[0] {
		case '1':
			// 1 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <path>
			fields := strings.SplitN(tok, " ", 9)
			if len(fields) < 9 {
				continue
			}
			entries = append(entries, entryFromXY(fields[1], fields[8], ""))
		case '2':
			// 2 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <Xscore> <path> NUL <origPath>
			fields := strings.SplitN(tok, " ", 10)
			if len(fields) < 10 {
				continue
			}
			orig := ""
			if i+1 < len(tokens) {
				orig = tokens[i+1]
				i++
			}
			entries = append(entries, entryFromXY(fields[1], fields[9], orig))
		case 'u':
			// u <XY> <sub> <m1> <m2> <m3> <mW> <h1> <h2> <h3> <path>
			fields := strings.SplitN(tok, " ", 11)
			if len(fields) < 11 {
				continue
			}
			e := entryFromXY(fields[1], fields[10], "")
			e.IsConflicted = true
			entries = append(entries, e)
		case '?':
			if len(tok) < 3 {
				continue
			}
			entries = append(entries, model.ChangeEntry{
				Path:         tok[2:],
				StagedChar:   "?",
				UnstagedChar: "?",
				UnstagedType: model.ChangeUntracked,
				IsUntracked:  true,
				Code:         "??",
			})
		case '!':
			if len(tok) < 3 {
				continue
			}
			entries = append(entries, model.ChangeEntry{
				Path:         tok[2:],
				StagedChar:   "!",
				UnstagedChar: "!",
				UnstagedType: model.ChangeIgnored,
				IsIgnored:    true,
				Code:         "!!",
			})
		default:
			// Branch headers and anything unexpected.
			continue
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func entryFromXY(xy, path, orig string) model.ChangeEntry {
	if len(xy) != 2 {
		xy = ".."
	}
	return model.ChangeEntry{
		Path:         path,
		OriginalPath: orig,
		StagedChar:   xy[:1],
		UnstagedChar: xy[1:],
		StagedType:   TypeForChar(xy[0]),
		UnstagedType: TypeForChar(xy[1]),
		Code:         xy,
	}
}

// Counts tallies a parsed entry list into the summary the UI renders.
func Counts(entries []model.ChangeEntry) model.WorktreeCounts {
	var c model.WorktreeCounts
	for _, e := range entries {
		if e.IsIgnored {
			continue
		}
		c.Changed++
		if e.IsConflicted {
			c.Conflicted++
			continue
		}
		if e.IsUntracked {
			c.Untracked++
			continue
		}
		if e.StagedChar != "." && e.StagedChar != "?" {
			c.Staged++
		}
		if e.UnstagedChar != "." && e.UnstagedChar != "?" {
			c.Unstaged++
		}
	}
	return c
}
