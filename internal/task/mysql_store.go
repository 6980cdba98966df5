package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/internal/executor"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewMySQLStore 创建一个新的 MySQLStore 并建立连接。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db, ownsDB: true}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreFromDB 复用已有连接池创建 MySQLStore。
func NewMySQLStoreFromDB(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS tasks (
        id VARCHAR(64) PRIMARY KEY,
        requester_agent_id VARCHAR(64) NOT NULL,
        target_agent_id VARCHAR(64) NOT NULL,
        task_type VARCHAR(100) NOT NULL,
        payload TEXT,
        status VARCHAR(32) NOT NULL,
        result TEXT,
        proof_hash VARCHAR(66) DEFAULT '',
        last_error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_tasks_status (status),
        INDEX idx_tasks_requester (requester_agent_id),
        INDEX idx_tasks_target (target_agent_id),
        INDEX idx_tasks_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 tasks 表失败")
	}
	return nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	payloadValue, err := marshalJSONColumn(task.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}

	const stmt = `INSERT INTO tasks
        (id, requester_agent_id, target_agent_id, task_type, payload, status, result, proof_hash, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, NULL, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.RequesterAgentID,
		task.TargetAgentID,
		task.TaskType,
		payloadValue,
		task.Status,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, requester_agent_id, target_agent_id, task_type, payload, status, result, proof_hash, last_error, created_at, updated_at`

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将待处理任务置为处理中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE tasks SET status = ?, updated_at = ?, last_error = ''
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt, StatusProcessing, now, id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if task.Terminal() {
			return task, ErrTaskTerminal
		}
		return task, ErrTaskConflict
	}
	return s.Get(ctx, id)
}

// MarkCompleted 记录执行结果与结果凭据。对已完结的任务为幂等空操作。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result executor.Result, proofHash string) (bool, error) {
	resultValue, err := marshalJSONColumn(result)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}

	const stmt = `UPDATE tasks SET status = ?, result = ?, proof_hash = ?, last_error = '', updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCompleted, resultValue, proofHash, now, id, StatusCompleted, StatusFailed)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务完成失败")
	}
	return s.verifyTerminalWrite(ctx, res, id)
}

// MarkFailed 标记任务失败。失败结果同样留档。对已完结的任务为幂等空操作。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, result executor.Result, proofHash, lastError string) (bool, error) {
	resultValue, err := marshalJSONColumn(result)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}

	const stmt = `UPDATE tasks SET status = ?, result = ?, proof_hash = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed, resultValue, proofHash, lastError, now, id, StatusCompleted, StatusFailed)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	return s.verifyTerminalWrite(ctx, res, id)
}

// verifyTerminalWrite 区分"任务不存在"与"任务已完结"两种零行更新，
// 并通过影响行数报告本次调用是否赢得了终态切换。
func (s *MySQLStore) verifyTerminalWrite(ctx context.Context, res sql.Result, id string) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS processing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusProcessing), string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。复用外部连接池时不关闭。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var task Task
	var payload, result, proofHash, lastError sql.NullString

	if err := scan(
		&task.ID,
		&task.RequesterAgentID,
		&task.TargetAgentID,
		&task.TaskType,
		&payload,
		&task.Status,
		&result,
		&proofHash,
		&lastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	task.ProofHash = proofHash.String
	task.LastError = lastError.String

	if payload.Valid && strings.TrimSpace(payload.String) != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, fmt.Errorf("解析任务 payload 失败: %w", err)
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		if err := json.Unmarshal([]byte(result.String), &task.Result); err != nil {
			return nil, fmt.Errorf("解析任务结果失败: %w", err)
		}
	}
	return &task, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case executor.Result:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "(requester_agent_id = ? OR target_agent_id = ?)")
		args = append(args, opts.AgentID, opts.AgentID)
	}
	if opts.TaskType != "" {
		conditions = append(conditions, "task_type = ?")
		args = append(args, opts.TaskType)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
