package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 保存支付记录。
// verified_permits 表以签名为主键，为重放检查提供原子占用语义。
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
	const payments = `CREATE TABLE IF NOT EXISTS payments (
        id VARCHAR(64) PRIMARY KEY,
        task_id VARCHAR(64) DEFAULT '',
        from_agent_id VARCHAR(64) NOT NULL,
        to_agent_id VARCHAR(64) NOT NULL,
        amount DECIMAL(18,8) NOT NULL DEFAULT 0,
        currency VARCHAR(20) NOT NULL DEFAULT 'USDC',
        status VARCHAR(32) NOT NULL,
        tx_ref VARCHAR(255) DEFAULT '',
        tx_hash VARCHAR(66) DEFAULT '',
        network VARCHAR(50) NOT NULL DEFAULT 'base',
        payment_method VARCHAR(50) NOT NULL DEFAULT 'x402',
        permit_signature TEXT,
        permit_deadline BIGINT DEFAULT 0,
        permit_nonce VARCHAR(78) DEFAULT '',
        permit_v INT DEFAULT 0,
        permit_r VARCHAR(66) DEFAULT '',
        permit_s VARCHAR(66) DEFAULT '',
        verified_at BIGINT DEFAULT 0,
        created_at BIGINT NOT NULL,
        INDEX idx_payments_status (status),
        INDEX idx_payments_from (from_agent_id),
        INDEX idx_payments_to (to_agent_id),
        INDEX idx_payments_task (task_id)
)`
	if _, err := s.db.Exec(payments); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payments 表失败")
	}

	const permits = `CREATE TABLE IF NOT EXISTS verified_permits (
        signature VARCHAR(255) PRIMARY KEY,
        claimed_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(permits); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 verified_permits 表失败")
	}
	return nil
}

// Create 插入新的支付记录。
func (s *MySQLStore) Create(ctx context.Context, payment *Payment) error {
	if payment == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment 不能为空")
	}
	if strings.TrimSpace(payment.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付 ID 不能为空")
	}
	if payment.CreatedAt == 0 {
		payment.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO payments
        (id, task_id, from_agent_id, to_agent_id, amount, currency, status, tx_ref, tx_hash, network, payment_method,
         permit_signature, permit_deadline, permit_nonce, permit_v, permit_r, permit_s, verified_at, created_at)
        VALUES (?, ?, ?, ?, CAST(? AS DECIMAL(18,8)), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		payment.ID,
		payment.TaskID,
		payment.FromAgentID,
		payment.ToAgentID,
		string(payment.Amount),
		payment.Currency,
		payment.Status,
		payment.TxRef,
		payment.TxHash,
		payment.Network,
		payment.PaymentMethod,
		payment.PermitSignature,
		payment.PermitDeadline,
		payment.PermitNonce,
		payment.PermitV,
		payment.PermitR,
		payment.PermitS,
		payment.VerifiedAt,
		payment.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrPaymentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入支付失败")
	}
	return nil
}

const paymentColumns = `id, task_id, from_agent_id, to_agent_id, CAST(amount AS CHAR), currency, status, tx_ref, tx_hash,
        network, payment_method, permit_signature, permit_deadline, permit_nonce, permit_v, permit_r, permit_s, verified_at, created_at`

// Get 查询指定支付。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	payment, err := scanPayment(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付失败")
	}
	return payment, nil
}

// List 返回符合过滤条件的支付，按创建时间倒序。
func (s *MySQLStore) List(ctx context.Context, filter ListFilter) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		conditions = append(conditions, "(from_agent_id = ? OR to_agent_id = ?)")
		args = append(args, filter.AgentID, filter.AgentID)
	}
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付列表失败")
	}
	defer rows.Close()

	payments := make([]*Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析支付记录失败")
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历支付失败")
	}
	return payments, nil
}

// Stats 聚合支付统计。金额在 DECIMAL 语义内求和。
func (s *MySQLStore) Stats(ctx context.Context) (PaymentStats, error) {
	stats := PaymentStats{}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), CAST(COALESCE(SUM(amount), 0) AS CHAR) FROM payments`)
	var total string
	if err := row.Scan(&stats.Total, &total); err != nil {
		return PaymentStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付统计失败")
	}
	stats.TotalAmount = json.Number(trimTrailingZeros(total))

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), CAST(COALESCE(SUM(amount), 0) AS CHAR) FROM payments GROUP BY status ORDER BY status`)
	if err != nil {
		return PaymentStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询状态分布失败")
	}
	defer rows.Close()

	for rows.Next() {
		var breakdown StatusBreakdown
		var amount string
		if err := rows.Scan(&breakdown.Status, &breakdown.Count, &amount); err != nil {
			return PaymentStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析状态分布失败")
		}
		breakdown.Total = json.Number(trimTrailingZeros(amount))
		stats.ByStatus = append(stats.ByStatus, breakdown)
	}
	if err := rows.Err(); err != nil {
		return PaymentStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历状态分布失败")
	}
	return stats, nil
}

// MarkVerified 将支付置为 verified。已核验的支付保持原样返回。
// 条件更新的影响行数决定本次调用是否赢得了状态切换。
func (s *MySQLStore) MarkVerified(ctx context.Context, id, txRef string) (*Payment, bool, error) {
	const stmt = `UPDATE payments SET status = ?, tx_ref = ?, verified_at = ? WHERE id = ? AND status <> ?`
	result, err := s.db.ExecContext(ctx, stmt, StatusVerified, txRef, time.Now().Unix(), id, StatusVerified)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记支付核验失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	payment, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return payment, affected > 0, nil
}

// MarkFailed 将支付置为 failed。已核验的支付不可降级。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string) (*Payment, error) {
	const stmt = `UPDATE payments SET status = ? WHERE id = ? AND status <> ?`
	if _, err := s.db.ExecContext(ctx, stmt, StatusFailed, id, StatusVerified); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记支付失败失败")
	}
	return s.Get(ctx, id)
}

// IsSignatureVerified 查询签名是否已被占用。
func (s *MySQLStore) IsSignatureVerified(ctx context.Context, signature string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verified_permits WHERE signature = ?`, strings.ToLower(signature))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询签名记录失败")
	}
	return count > 0, nil
}

// ClaimSignature 原子占用签名。主键冲突即签名已被占用。
func (s *MySQLStore) ClaimSignature(ctx context.Context, signature string) (bool, error) {
	const stmt = `INSERT INTO verified_permits (signature, claimed_at) VALUES (?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, strings.ToLower(signature), time.Now().Unix())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "占用签名失败")
	}
	return true, nil
}

// Close 关闭底层数据库连接。复用外部连接池时不关闭。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func scanPayment(scan func(dest ...any) error) (*Payment, error) {
	var payment Payment
	var amount string
	var taskID, txRef, txHash, permitSig, permitNonce, permitR, permitS sql.NullString

	if err := scan(
		&payment.ID,
		&taskID,
		&payment.FromAgentID,
		&payment.ToAgentID,
		&amount,
		&payment.Currency,
		&payment.Status,
		&txRef,
		&txHash,
		&payment.Network,
		&payment.PaymentMethod,
		&permitSig,
		&payment.PermitDeadline,
		&permitNonce,
		&payment.PermitV,
		&permitR,
		&permitS,
		&payment.VerifiedAt,
		&payment.CreatedAt,
	); err != nil {
		return nil, err
	}
	payment.TaskID = taskID.String
	payment.Amount = json.Number(trimTrailingZeros(amount))
	payment.TxRef = txRef.String
	payment.TxHash = txHash.String
	payment.PermitSignature = permitSig.String
	payment.PermitNonce = permitNonce.String
	payment.PermitR = permitR.String
	payment.PermitS = permitS.String
	return &payment, nil
}

var _ Store = (*MySQLStore)(nil)
