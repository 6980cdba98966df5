package reputation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存信誉档案。分数运算全部在 SQL 的
// DECIMAL 语义内完成，不经过浮点数。
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
	const schema = `CREATE TABLE IF NOT EXISTS reputation (
        agent_id VARCHAR(64) PRIMARY KEY,
        score DECIMAL(5,2) NOT NULL DEFAULT 50.00,
        tasks_completed INT NOT NULL DEFAULT 0,
        tasks_failed INT NOT NULL DEFAULT 0,
        total_earned DECIMAL(18,8) NOT NULL DEFAULT 0,
        last_updated BIGINT NOT NULL,
        INDEX idx_reputation_score (score)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 reputation 表失败")
	}
	return nil
}

// Ensure 确保代理存在档案，不存在时以起步分建档。
func (s *MySQLStore) Ensure(ctx context.Context, agentID string) error {
	const stmt = `INSERT IGNORE INTO reputation (agent_id, score, last_updated) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, agentID, startingScore, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "建立信誉档案失败")
	}
	return nil
}

const reputationColumns = `agent_id, CAST(score AS CHAR), tasks_completed, tasks_failed, CAST(total_earned AS CHAR), last_updated`

// Get 返回档案。
func (s *MySQLStore) Get(ctx context.Context, agentID string) (*Reputation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reputationColumns+` FROM reputation WHERE agent_id = ?`, agentID)
	rep, err := scanReputation(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrReputationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信誉档案失败")
	}
	return rep, nil
}

// List 返回全部档案，按分数倒序。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]*Reputation, error) {
	query := `SELECT ` + reputationColumns + ` FROM reputation ORDER BY score DESC, agent_id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信誉列表失败")
	}
	defer rows.Close()

	results := make([]*Reputation, 0)
	for rows.Next() {
		rep, err := scanReputation(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析信誉记录失败")
		}
		results = append(results, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历信誉记录失败")
	}
	return results, nil
}

// ApplyTaskOutcome 按任务结果调整分数与计数。
func (s *MySQLStore) ApplyTaskOutcome(ctx context.Context, agentID string, succeeded bool) error {
	if err := s.Ensure(ctx, agentID); err != nil {
		return err
	}
	var stmt string
	if succeeded {
		stmt = `UPDATE reputation SET score = LEAST(?, score + ?), tasks_completed = tasks_completed + 1, last_updated = ?
            WHERE agent_id = ?`
	} else {
		stmt = `UPDATE reputation SET score = GREATEST(?, score - ?), tasks_failed = tasks_failed + 1, last_updated = ?
            WHERE agent_id = ?`
	}
	delta := completedReward
	bound := maxScore
	if !succeeded {
		delta = failedPenalty
		bound = minScore
	}
	if _, err := s.db.ExecContext(ctx, stmt, bound, delta, time.Now().Unix(), agentID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新信誉分数失败")
	}
	return nil
}

// AddEarnings 累加已核验的收入金额。
func (s *MySQLStore) AddEarnings(ctx context.Context, agentID string, amount string) error {
	value, err := parseAmount(amount)
	if err != nil {
		return err
	}
	if err := s.Ensure(ctx, agentID); err != nil {
		return err
	}
	const stmt = `UPDATE reputation SET total_earned = total_earned + CAST(? AS DECIMAL(18,8)), last_updated = ?
        WHERE agent_id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, value.FloatString(8), time.Now().Unix(), agentID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加收入失败")
	}
	return nil
}

// Close 关闭底层数据库连接。复用外部连接池时不关闭。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func scanReputation(scan func(dest ...any) error) (*Reputation, error) {
	var rep Reputation
	var score, earned string
	if err := scan(
		&rep.AgentID,
		&score,
		&rep.TasksCompleted,
		&rep.TasksFailed,
		&earned,
		&rep.LastUpdated,
	); err != nil {
		return nil, err
	}
	rep.Score = json.Number(score)
	rep.TotalEarned = json.Number(earned)
	return &rep, nil
}

var _ Store = (*MySQLStore)(nil)
