package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Step catalog
			CREATE TABLE step_definitions (
				id TEXT PRIMARY KEY,
				slug VARCHAR(255) NOT NULL UNIQUE,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				category VARCHAR(50) NOT NULL,
				executor_ref VARCHAR(255) NOT NULL,
				is_ready BOOLEAN NOT NULL DEFAULT false,
				is_active BOOLEAN NOT NULL DEFAULT true,
				input_schema JSONB NOT NULL DEFAULT '[]',
				output_schema JSONB NOT NULL DEFAULT '[]',
				default_config JSONB NOT NULL DEFAULT '{}',
				config_schema JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_step_definitions_category ON step_definitions(category);

			-- Pipeline graphs
			CREATE TABLE pipelines (
				id TEXT PRIMARY KEY,
				slug VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX idx_pipelines_active_slug ON pipelines(slug)
				WHERE is_active AND deleted_at IS NULL;
			CREATE INDEX idx_pipelines_created_at ON pipelines(created_at);

			CREATE TABLE pipeline_nodes (
				pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
				id TEXT NOT NULL,
				step_definition_id TEXT NOT NULL,
				sort_order INT NOT NULL DEFAULT 0,
				position_x DOUBLE PRECISION NOT NULL DEFAULT 0,
				position_y DOUBLE PRECISION NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT true,
				config_overrides JSONB NOT NULL DEFAULT '{}',
				system_prompt_override TEXT,
				user_prompt_override TEXT,
				llm_model_override_id TEXT,
				is_checkpoint BOOLEAN NOT NULL DEFAULT false,
				checkpoint_condition TEXT NOT NULL DEFAULT '',
				timeout_ms BIGINT NOT NULL DEFAULT 300000,
				max_retries INT NOT NULL DEFAULT 3,
				retry_delays JSONB NOT NULL DEFAULT '[5000, 15000, 30000]',
				PRIMARY KEY (pipeline_id, id)
			);

			CREATE TABLE pipeline_connections (
				pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
				id TEXT NOT NULL,
				source_node_id TEXT NOT NULL,
				source_output_key VARCHAR(255) NOT NULL,
				target_node_id TEXT NOT NULL,
				target_input_key VARCHAR(255) NOT NULL,
				position INT NOT NULL DEFAULT 0,
				PRIMARY KEY (pipeline_id, id),
				FOREIGN KEY (pipeline_id, source_node_id) REFERENCES pipeline_nodes(pipeline_id, id) ON DELETE CASCADE,
				FOREIGN KEY (pipeline_id, target_node_id) REFERENCES pipeline_nodes(pipeline_id, id) ON DELETE CASCADE
			);

			CREATE INDEX idx_pipeline_connections_target ON pipeline_connections(pipeline_id, target_node_id);
		`,
		2: `
			-- Runs and their audit log
			CREATE TABLE runs (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL UNIQUE,
				pipeline_id TEXT NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('config', 'queued', 'running', 'paused', 'review', 'completed', 'failed')),
				node_states JSONB NOT NULL DEFAULT '{}',
				priority INT NOT NULL DEFAULT 0,
				checkpoints JSONB NOT NULL DEFAULT '[]',
				disabled_nodes JSONB NOT NULL DEFAULT '[]',
				project_fields JSONB NOT NULL DEFAULT '{}',
				feedback_history JSONB NOT NULL DEFAULT '[]',
				enqueued_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_status ON runs(status);

			CREATE TABLE run_logs (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				node_id TEXT NOT NULL DEFAULT '',
				level VARCHAR(16) NOT NULL,
				message TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_run_logs_run_id ON run_logs(run_id, seq);
		`,
	}
}
