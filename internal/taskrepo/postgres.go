package taskrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/dispatchcore/internal/model"
)

// PostgresRepository implements Repository over PostgreSQL via a pgx
// connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Insert(ctx context.Context, task *model.Task) (*model.Task, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	task.Status = model.StatusPending
	task.RetryCount = 0

	query := `
		INSERT INTO translation_tasks
			(task_id, status, source_language, target_languages, text_content,
			 audio_pointer, original_text, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		task.TaskID, task.Status, task.SourceLanguage,
		strings.Join(task.TargetLanguages, ","), task.TextContent,
		task.AudioPointer, task.OriginalText,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: insert %s: %w", task.TaskID, err)
	}
	return task, nil
}

func (r *PostgresRepository) Find(ctx context.Context, taskID string) (*model.Task, error) {
	query := `
		SELECT task_id, status, source_language, target_languages, text_content,
		       audio_pointer, assigned_node_id, original_text, result_file_path,
		       error_message, retry_count, accuracy_score, created_at, updated_at
		FROM translation_tasks WHERE task_id = $1
	`
	row := r.pool.QueryRow(ctx, query, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskrepo: find %s: %w", taskID, err)
	}
	return task, nil
}

func (r *PostgresRepository) MarkDispatching(ctx context.Context, taskID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE translation_tasks SET status = $2, updated_at = NOW()
		WHERE task_id = $1 AND status = $3
	`, taskID, model.StatusDispatching, model.StatusPending)
	if err != nil {
		return false, fmt.Errorf("taskrepo: mark dispatching %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkProcessing(ctx context.Context, taskID, nodeID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE translation_tasks
		SET status = $2, assigned_node_id = $3, updated_at = NOW()
		WHERE task_id = $1 AND status = $4
	`, taskID, model.StatusProcessing, nodeID, model.StatusDispatching)
	if err != nil {
		return false, fmt.Errorf("taskrepo: mark processing %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) RevertToPending(ctx context.Context, taskID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE translation_tasks SET status = $2, updated_at = NOW()
		WHERE task_id = $1 AND status = $3
	`, taskID, model.StatusPending, model.StatusDispatching)
	if err != nil {
		return false, fmt.Errorf("taskrepo: revert to pending %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) RequeueFromStuck(ctx context.Context, taskID string, newRetryCount int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE translation_tasks
		SET status = $2, assigned_node_id = NULL, retry_count = $3, updated_at = NOW()
		WHERE task_id = $1 AND status = $4
	`, taskID, model.StatusPending, newRetryCount, model.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("taskrepo: requeue from stuck %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, taskID string, expected model.TaskStatus, newRetryCount int, errMsg string) (bool, error) {
	var tag interface{ RowsAffected() int64 }
	var err error
	if expected == "" {
		tag, err = r.pool.Exec(ctx, `
			UPDATE translation_tasks
			SET status = $2, error_message = $3, retry_count = CASE WHEN $4 >= 0 THEN $4 ELSE retry_count END, updated_at = NOW()
			WHERE task_id = $1
		`, taskID, model.StatusFailed, errMsg, newRetryCount)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE translation_tasks
			SET status = $2, error_message = $3, retry_count = CASE WHEN $4 >= 0 THEN $4 ELSE retry_count END, updated_at = NOW()
			WHERE task_id = $1 AND status = $5
		`, taskID, model.StatusFailed, errMsg, newRetryCount, expected)
	}
	if err != nil {
		return false, fmt.Errorf("taskrepo: mark failed %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) Cancel(ctx context.Context, taskID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE translation_tasks SET status = $2, assigned_node_id = NULL, updated_at = NOW()
		WHERE task_id = $1
	`, taskID, model.StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("taskrepo: cancel %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListStuck(ctx context.Context, threshold time.Time) ([]*model.Task, error) {
	query := `
		SELECT task_id, status, source_language, target_languages, text_content,
		       audio_pointer, assigned_node_id, original_text, result_file_path,
		       error_message, retry_count, accuracy_score, created_at, updated_at
		FROM translation_tasks
		WHERE status = $1 AND updated_at < $2
	`
	rows, err := r.pool.Query(ctx, query, model.StatusProcessing, threshold)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list stuck: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *PostgresRepository) CountProcessingForNode(ctx context.Context, nodeID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM translation_tasks WHERE assigned_node_id = $1 AND status = $2
	`, nodeID, model.StatusProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("taskrepo: count processing for node %s: %w", nodeID, err)
	}
	return count, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*model.Task, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	idx := 1

	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.SourceLanguage != "" {
		clauses = append(clauses, fmt.Sprintf("source_language = $%d", idx))
		args = append(args, filter.SourceLanguage)
		idx++
	}
	if filter.TargetLanguageSubstr != "" {
		clauses = append(clauses, fmt.Sprintf("target_languages ILIKE $%d", idx))
		args = append(args, "%"+filter.TargetLanguageSubstr+"%")
		idx++
	}
	if filter.TextContentSubstr != "" {
		clauses = append(clauses, fmt.Sprintf("text_content ILIKE $%d", idx))
		args = append(args, "%"+filter.TextContentSubstr+"%")
		idx++
	}

	query := fmt.Sprintf(`
		SELECT task_id, status, source_language, target_languages, text_content,
		       audio_pointer, assigned_node_id, original_text, result_file_path,
		       error_message, retry_count, accuracy_score, created_at, updated_at
		FROM translation_tasks WHERE %s ORDER BY created_at DESC
	`, strings.Join(clauses, " AND "))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var targetLanguages string
	var assignedNodeID, audioPointer, resultFilePath, errMsg *string
	if err := row.Scan(
		&t.TaskID, &t.Status, &t.SourceLanguage, &targetLanguages, &t.TextContent,
		&audioPointer, &assignedNodeID, &t.OriginalText, &resultFilePath,
		&errMsg, &t.RetryCount, &t.AccuracyScore, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.TargetLanguages = splitLanguages(targetLanguages)
	if assignedNodeID != nil {
		t.AssignedNodeID = *assignedNodeID
	}
	if audioPointer != nil {
		t.AudioPointer = *audioPointer
	}
	if resultFilePath != nil {
		t.ResultFilePath = *resultFilePath
	}
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func splitLanguages(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
