package feed

import "github.com/statch/gitbot-sub000/internal/github"

// TransitionKind is the decision taken for one repository in a tick.
type TransitionKind int

const (
	Unchanged TransitionKind = iota
	NoRelease
	NewRelease
	RepoMissing
)

func (k TransitionKind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case NoRelease:
		return "no_release"
	case NewRelease:
		return "new_release"
	case RepoMissing:
		return "repo_missing"
	default:
		return "unknown"
	}
}

// Transition is the reconciler's verdict. Release is set only for NewRelease.
type Transition struct {
	Kind    TransitionKind
	Release *github.Release
}

// Diff compares the stored tag of a repository with what the query layer
// observed. Tags are compared byte for byte. Any failure other than
// NotFound is treated as Unchanged so the repository is retried next tick,
// and a stored tag with no observed release is left alone.
func Diff(stored *string, observed github.LatestResult) Transition {
	switch observed.Outcome {
	case github.OK:
	case github.NotFound:
		return Transition{Kind: RepoMissing}
	default:
		return Transition{Kind: Unchanged}
	}

	switch {
	case observed.Release == nil && stored == nil:
		return Transition{Kind: NoRelease}
	case observed.Release == nil:
		return Transition{Kind: Unchanged}
	case stored != nil && *stored == observed.Release.Tag:
		return Transition{Kind: Unchanged}
	default:
		return Transition{Kind: NewRelease, Release: observed.Release}
	}
}
