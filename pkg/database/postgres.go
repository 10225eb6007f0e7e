package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"call-signal-backend/pkg/models"

	_ "github.com/lib/pq"
)

// PostgresDatabase PostgreSQL数据库实现
//
// Realtime fan-out is handled inside Postgres: scripts/init_db.sql installs
// an AFTER INSERT OR UPDATE trigger on call_requests that publishes a
// models.CallRequestEvent payload on CallRequestsChannel. That way rows
// written by other services (or by hand) notify subscribers exactly like
// rows written here.
type PostgresDatabase struct {
	db *sql.DB
}

// NewPostgresDatabase 创建PostgreSQL数据库实例
func NewPostgresDatabase(dsn string) DatabaseInterface {
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn = strings.TrimSpace(dsn)
	strategies := []string{
		addConnectionParams(dsn, "prefer_simple_protocol=true"),
		addConnectionParams(dsn, "prefer_simple_protocol=true&connect_timeout=10"),
		addConnectionParams(dsn, "sslmode=require&prefer_simple_protocol=true"),
		dsn, // 最后尝试原始DSN
	}

	var db *sql.DB
	var err error

	for i, strategy := range strategies {
		fmt.Printf("🔄 Trying connection strategy %d...\n", i+1)

		db, err = sql.Open("postgres", strategy)
		if err != nil {
			fmt.Printf("❌ Strategy %d failed to open: %v\n", i+1, err)
			continue
		}

		// 设置连接池参数
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		// 测试连接
		if err = db.Ping(); err != nil {
			fmt.Printf("❌ Strategy %d failed to ping: %v\n", i+1, err)
			db.Close()
			continue
		}

		fmt.Printf("✅ PostgreSQL connection established successfully with strategy %d\n", i+1)
		return &PostgresDatabase{db: db}
	}

	// 所有策略都失败了
	panic(fmt.Sprintf("Failed to connect to PostgreSQL with all strategies. Last error: %v", err))
}

// addConnectionParams 添加连接参数到DSN
func addConnectionParams(dsn, params string) string {
	if params == "" {
		return dsn
	}

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}

	return dsn + separator + params
}

// CreateUser 创建用户
func (db *PostgresDatabase) CreateUser(user *models.User) error {
	if user.Role == "" {
		user.Role = models.RoleMember
	}
	query := `
		INSERT INTO public.users (id, email, password_hash, name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := db.db.QueryRow(query, user.ID, user.Email, user.Password, user.Name, string(user.Role)).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByEmail 根据邮箱获取用户
func (db *PostgresDatabase) GetUserByEmail(email string) (*models.User, error) {
	query := `
		SELECT id, email, COALESCE(name,''), COALESCE(role,'member'),
		       COALESCE(password_hash,''), created_at, updated_at
		FROM public.users
		WHERE email = $1
	`
	var u models.User
	var role string
	err := db.db.QueryRow(query, email).Scan(
		&u.ID, &u.Email, &u.Name, &role, &u.Password, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	u.Role = models.UserRole(role)
	return &u, nil
}

// GetUserByID 根据ID获取用户
func (db *PostgresDatabase) GetUserByID(id string) (*models.User, error) {
	query := `
		SELECT id, email, COALESCE(name,''), COALESCE(role,'member'), created_at, updated_at
		FROM public.users
		WHERE id = $1
	`
	var u models.User
	var role string
	err := db.db.QueryRow(query, id).Scan(
		&u.ID, &u.Email, &u.Name, &role, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = models.UserRole(role)
	return &u, nil
}

// ================= Call requests =================

const callRequestColumns = `id, caller_id, callee_id, call_type, status, channel_name, expires_at, metadata, created_at, updated_at`

func scanCallRequest(row interface{ Scan(dest ...interface{}) error }) (*models.CallRequest, error) {
	var cr models.CallRequest
	var callType, status string
	var metadata []byte
	err := row.Scan(
		&cr.ID, &cr.CallerID, &cr.CalleeID, &callType, &status,
		&cr.ChannelName, &cr.ExpiresAt, &metadata, &cr.CreatedAt, &cr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cr.CallType = models.CallType(callType)
	cr.Status = models.CallStatus(status)
	cr.Metadata = metadata
	return &cr, nil
}

// CreateCallRequest 创建呼叫请求（状态恒为 pending）
func (db *PostgresDatabase) CreateCallRequest(cr *models.CallRequest) error {
	cr.Status = models.CallPending
	var metadata interface{}
	if len(cr.Metadata) > 0 {
		metadata = []byte(cr.Metadata)
	}
	query := `
		INSERT INTO call_requests (id, caller_id, callee_id, call_type, status, channel_name, expires_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := db.db.QueryRow(query, cr.ID, cr.CallerID, cr.CalleeID, string(cr.CallType), cr.ChannelName, cr.ExpiresAt, metadata).
		Scan(&cr.CreatedAt, &cr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create call request: %w", err)
	}
	return nil
}

// GetCallRequest 获取单个呼叫请求
func (db *PostgresDatabase) GetCallRequest(id string) (*models.CallRequest, error) {
	cr, err := scanCallRequest(db.db.QueryRow(
		`SELECT `+callRequestColumns+` FROM call_requests WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("call request not found")
		}
		return nil, fmt.Errorf("failed to get call request: %w", err)
	}
	return cr, nil
}

// ListPendingCallRequests 列出某个被叫者所有未过期的 pending 呼叫（最早的在前）
func (db *PostgresDatabase) ListPendingCallRequests(calleeID string, now time.Time) ([]models.CallRequest, error) {
	rows, err := db.db.Query(`
		SELECT `+callRequestColumns+`
		FROM call_requests
		WHERE callee_id = $1 AND status = 'pending' AND expires_at > $2
		ORDER BY created_at ASC
	`, calleeID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending call requests: %w", err)
	}
	defer rows.Close()

	var list []models.CallRequest
	for rows.Next() {
		cr, err := scanCallRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call request: %w", err)
		}
		list = append(list, *cr)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call requests: %w", err)
	}
	return list, nil
}

// ResolveCallRequest 条件更新：仅当行仍为 pending（且未过期）时才会命中。
// 并发的 accept/decline 由数据库的行级条件写裁决，恰好一个胜出。
func (db *PostgresDatabase) ResolveCallRequest(id, calleeID string, to models.CallStatus) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("invalid transition target: %s", to)
	}
	result, err := db.db.Exec(`
		UPDATE call_requests
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND callee_id = $3 AND status = 'pending' AND expires_at > NOW()
	`, string(to), id, calleeID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve call request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// CancelCallRequest 主叫方撤回仍在响铃的呼叫
func (db *PostgresDatabase) CancelCallRequest(id, callerID string) (bool, error) {
	result, err := db.db.Exec(`
		UPDATE call_requests
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND caller_id = $2 AND status = 'pending'
	`, id, callerID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel call request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// ExpireCallRequests 将所有已过截止时间但仍为 pending 的行置为 timeout
func (db *PostgresDatabase) ExpireCallRequests(now time.Time) (int64, error) {
	result, err := db.db.Exec(`
		UPDATE call_requests
		SET status = 'timeout', updated_at = NOW()
		WHERE status = 'pending' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire call requests: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck 健康检查
func (db *PostgresDatabase) HealthCheck() error {
	return db.db.Ping()
}

// Close 关闭连接
func (db *PostgresDatabase) Close() error {
	return db.db.Close()
}
