package store

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initProjectSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initExecutionSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initProjectSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		git_repo_path TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT 'main',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		parent_task_attempt TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agent_tasks (
		task_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		agent_kind TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initExecutionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_attempts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		executor TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		target_branch TEXT NOT NULL DEFAULT '',
		container_ref TEXT,
		worktree_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS execution_runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		executor TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		target_branch TEXT NOT NULL DEFAULT '',
		container_ref TEXT,
		worktree_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS execution_processes (
		id TEXT PRIMARY KEY,
		task_attempt_id TEXT,
		execution_run_id TEXT,
		run_reason TEXT NOT NULL DEFAULT 'codingagent',
		status TEXT NOT NULL DEFAULT 'pending',
		session_id TEXT,
		executor_profile TEXT NOT NULL DEFAULT '',
		logs TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		FOREIGN KEY (task_attempt_id) REFERENCES task_attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (execution_run_id) REFERENCES execution_runs(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_attempt ON tasks(parent_task_attempt);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_project_id ON agent_tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_task_attempts_task_id ON task_attempts(task_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_task_attempts_container_ref
		ON task_attempts(container_ref) WHERE container_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_execution_runs_project_id ON execution_runs(project_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_runs_container_ref
		ON execution_runs(container_ref) WHERE container_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_processes_attempt_id ON execution_processes(task_attempt_id);
	CREATE INDEX IF NOT EXISTS idx_processes_run_id ON execution_processes(execution_run_id);
	CREATE INDEX IF NOT EXISTS idx_processes_status ON execution_processes(status);
	CREATE INDEX IF NOT EXISTS idx_processes_created_at ON execution_processes(created_at);
	`)
	return err
}
