package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"sort"
	"strings"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存代理目录。
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
	const schema = `CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        wallet_address VARCHAR(64) DEFAULT '',
        capabilities TEXT,
        status VARCHAR(32) NOT NULL DEFAULT 'active',
        description TEXT,
        endpoint_url VARCHAR(500) DEFAULT '',
        auth_token_hash VARCHAR(64) DEFAULT '',
        encrypted_private_key TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uniq_agents_wallet (wallet_address),
        INDEX idx_agents_status (status)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agents 表失败")
	}
	return nil
}

// Create 插入新的代理记录。
func (s *MySQLStore) Create(ctx context.Context, agent *Agent, creds Credentials) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}

	now := time.Now().Unix()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	capabilities, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码能力列表失败")
	}

	const stmt = `INSERT INTO agents
        (id, name, wallet_address, capabilities, status, description, endpoint_url, auth_token_hash, encrypted_private_key, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		agent.ID,
		agent.Name,
		strings.ToLower(agent.WalletAddress),
		string(capabilities),
		agent.Status,
		agent.Description,
		agent.EndpointURL,
		creds.APIKeyHash,
		creds.EncryptedPrivateKey,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入代理失败")
	}
	return nil
}

const agentColumns = `id, name, wallet_address, capabilities, status, description, endpoint_url, created_at, updated_at`

// Get 查询指定代理。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理失败")
	}
	return agent, nil
}

// List 返回符合过滤条件的代理，按注册时间倒序。
func (s *MySQLStore) List(ctx context.Context, filter ListFilter) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if filter.Capability != "" {
		conditions = append(conditions, "capabilities LIKE ?")
		args = append(args, `%"`+filter.Capability+`"%`)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		conditions = append(conditions, "(name LIKE ? OR description LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理列表失败")
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析代理记录失败")
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历代理失败")
	}
	return agents, nil
}

// Update 局部更新代理信息并返回最新状态。
func (s *MySQLStore) Update(ctx context.Context, id string, update Update) (*Agent, error) {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Capabilities != nil {
		capabilities, err := json.Marshal(update.Capabilities)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码能力列表失败")
		}
		sets = append(sets, "capabilities = ?")
		args = append(args, string(capabilities))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.EndpointURL != nil {
		sets = append(sets, "endpoint_url = ?")
		args = append(args, *update.EndpointURL)
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), id)

	res, err := s.db.ExecContext(ctx, "UPDATE agents SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新代理失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return s.Get(ctx, id)
}

// Stats 聚合目录统计。能力分布在内存中聚合。
func (s *MySQLStore) Stats(ctx context.Context) (DirectoryStats, error) {
	stats := DirectoryStats{}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) FROM agents`, StatusActive)
	var active sql.NullInt64
	if err := row.Scan(&stats.Total, &active); err != nil {
		return DirectoryStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理统计失败")
	}
	stats.Active = int(active.Int64)

	rows, err := s.db.QueryContext(ctx, `SELECT capabilities FROM agents`)
	if err != nil {
		return DirectoryStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询能力分布失败")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return DirectoryStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析能力记录失败")
		}
		if !raw.Valid || raw.String == "" {
			continue
		}
		var capabilities []string
		if err := json.Unmarshal([]byte(raw.String), &capabilities); err != nil {
			continue
		}
		for _, capability := range capabilities {
			counts[capability]++
		}
	}
	if err := rows.Err(); err != nil {
		return DirectoryStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历能力分布失败")
	}

	for capability, count := range counts {
		stats.TopCapabilities = append(stats.TopCapabilities, CapabilityCount{Capability: capability, Count: count})
	}
	sort.Slice(stats.TopCapabilities, func(i, j int) bool {
		if stats.TopCapabilities[i].Count == stats.TopCapabilities[j].Count {
			return stats.TopCapabilities[i].Capability < stats.TopCapabilities[j].Capability
		}
		return stats.TopCapabilities[i].Count > stats.TopCapabilities[j].Count
	})
	if len(stats.TopCapabilities) > 10 {
		stats.TopCapabilities = stats.TopCapabilities[:10]
	}
	return stats, nil
}

// Credentials 返回代理的敏感凭据。
func (s *MySQLStore) Credentials(ctx context.Context, id string) (Credentials, error) {
	row := s.db.QueryRowContext(ctx, `SELECT auth_token_hash, encrypted_private_key FROM agents WHERE id = ?`, id)
	var hash, encrypted sql.NullString
	if err := row.Scan(&hash, &encrypted); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Credentials{}, ErrAgentNotFound
		}
		return Credentials{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理凭据失败")
	}
	return Credentials{APIKeyHash: hash.String, EncryptedPrivateKey: encrypted.String}, nil
}

// Close 关闭底层数据库连接。复用外部连接池时不关闭。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var agent Agent
	var wallet, capabilities, description, endpoint sql.NullString

	if err := scan(
		&agent.ID,
		&agent.Name,
		&wallet,
		&capabilities,
		&agent.Status,
		&description,
		&endpoint,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	agent.WalletAddress = wallet.String
	agent.Description = description.String
	agent.EndpointURL = endpoint.String
	if capabilities.Valid && capabilities.String != "" {
		_ = json.Unmarshal([]byte(capabilities.String), &agent.Capabilities)
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	return &agent, nil
}

var _ Store = (*MySQLStore)(nil)
