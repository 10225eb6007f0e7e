package database

import (
	"fmt"
	"time"

	"call-signal-backend/pkg/models"
)

// CallRequestsChannel Postgres LISTEN/NOTIFY 通道名。对 call_requests 的每次
// 插入与状态变更都会在此通道上发布整行 JSON 负载（models.CallRequestEvent）。
const CallRequestsChannel = "call_requests"

// DatabaseInterface 定义数据库访问接口
type DatabaseInterface interface {
	// 用户管理
	CreateUser(user *models.User) error
	GetUserByEmail(email string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)

	// Call requests
	CreateCallRequest(cr *models.CallRequest) error
	GetCallRequest(id string) (*models.CallRequest, error)
	// ListPendingCallRequests returns the callee's ringing, unexpired
	// requests ordered oldest-first.
	ListPendingCallRequests(calleeID string, now time.Time) ([]models.CallRequest, error)
	// ResolveCallRequest transitions one request out of "pending" with a
	// single conditional update. It reports true only when exactly one row
	// matched {id, callee, status=pending, not expired} and was updated; a
	// lost race, an expired deadline and an unknown id all report false
	// without an error. Callers must never pre-read the status and update
	// separately.
	ResolveCallRequest(id, calleeID string, to models.CallStatus) (bool, error)
	// CancelCallRequest is the caller-side counterpart, guarded on
	// {id, caller, status=pending}, transitioning to "cancelled".
	CancelCallRequest(id, callerID string) (bool, error)
	// ExpireCallRequests flips every pending request whose deadline has
	// passed to "timeout" and returns how many rows were affected.
	ExpireCallRequests(now time.Time) (int64, error)

	// 健康检查
	HealthCheck() error

	// 关闭连接
	Close() error
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	UseLocalDB  bool
	PostgresDSN string
	Debug       bool
}

// NewDatabase 根据配置选择数据库实现
func NewDatabase(config DatabaseConfig) DatabaseInterface {
	if config.UseLocalDB {
		fmt.Printf("🧰  Using in-memory database (development mode)\n")
		return NewMemoryDatabase()
	}

	if config.PostgresDSN != "" {
		fmt.Printf("🗄️  Using PostgreSQL database\n")
		return NewPostgresDatabase(config.PostgresDSN)
	}

	panic("No valid database configuration found. Please configure POSTGRES_DSN or set USE_LOCAL_DB=true")
}
