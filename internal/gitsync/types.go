package gitsync

// PullStrategy selects how a pull integrates upstream commits.
// Merge and FastForward both resolve to a fast-forward-only merge; a true
// 3-way merge is intentionally not offered through this path.
type PullStrategy string

const (
	PullStrategyMerge       PullStrategy = "merge"
	PullStrategyRebase      PullStrategy = "rebase"
	PullStrategyFastForward PullStrategy = "fast-forward"
)

// FetchResult summarizes one fetch pass over the tracked branches.
type FetchResult struct {
	BranchesFetched int   `json:"branches_fetched"`
	DurationMS      int64 `json:"duration_ms"`
}

// BranchSyncStatus is the upstream comparison for one tracked branch.
// Ahead/behind are the two integers of the symmetric set difference between
// local and remote commit reachability, computed fresh on every call.
type BranchSyncStatus struct {
	Branch    string `json:"branch"`
	Upstream  string `json:"upstream"`
	LocalSHA  string `json:"local_sha"`
	RemoteSHA string `json:"remote_sha"`
	Ahead     int    `json:"ahead"`
	Behind    int    `json:"behind"`
	UpToDate  bool   `json:"up_to_date"`
	NeedsPull bool   `json:"needs_pull"`
	NeedsPush bool   `json:"needs_push"`
	Diverged  bool   `json:"diverged"`
}

// classify fills the derived flags from the ahead/behind counts.
func (b *BranchSyncStatus) classify() {
	b.UpToDate = b.Ahead == 0 && b.Behind == 0
	b.NeedsPull = b.Behind > 0 && b.Ahead == 0
	b.NeedsPush = b.Ahead > 0 && b.Behind == 0
	b.Diverged = b.Ahead > 0 && b.Behind > 0
}

// ProjectSyncStatus is the sync status of every tracked branch in a repository.
type ProjectSyncStatus struct {
	Branches []BranchSyncStatus `json:"branches"`
}

// PullResult reports the outcome of a pull.
type PullResult struct {
	Branch        string       `json:"branch"`
	Strategy      PullStrategy `json:"strategy"`
	CommitsPulled int          `json:"commits_pulled"`
	UpToDate      bool         `json:"up_to_date"`
}

// TrackedBranch is a local branch with a configured upstream.
type TrackedBranch struct {
	Name     string `json:"name"`
	Upstream string `json:"upstream"`
}
