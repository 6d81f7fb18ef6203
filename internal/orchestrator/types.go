package orchestrator

// StageSpec describes one coarse, ordered phase of a project: the agent
// role set it dispatches and the tasks belonging to it. Stage *content* is
// deliberately left to the caller — the Orchestrator only enforces
// ordering, per the spec's stated scope.
type StageSpec struct {
	Name  string
	Roles []string
	Tasks []TaskSpec
}

// TaskSpec is the caller-declared shape of one task: a caller-chosen id
// (unique within the project, used to express DependsOn edges before
// store ids exist), the role that must execute it, its declared file set,
// its dependencies, and whether the project may still complete if it never
// succeeds.
type TaskSpec struct {
	ID            string
	Role          string
	DependsOn     []string
	DeclaredFiles []string
	Input         string
	Optional      bool
}

// ProjectSpec is the input to CreateProject.
type ProjectSpec struct {
	Name          string
	Requirements  []string
	StoryPoints   int
	BudgetDaily   float64
	BudgetMonthly float64
	Stages        []StageSpec
}
