package database

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"call-signal-backend/pkg/models"

	"github.com/google/uuid"
)

// MemoryDatabase 内存数据库实现（开发模式与测试用）。
// 条件状态转换在持锁状态下完成，语义与 Postgres 的
// UPDATE ... WHERE status='pending' 行级条件写一致。
type MemoryDatabase struct {
	mu           sync.Mutex
	users        map[string]models.User // by id
	usersByEmail map[string]string      // email -> id
	calls        map[string]models.CallRequest
	bus          *MemoryBus
}

// NewMemoryDatabase 创建内存数据库实例
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		users:        make(map[string]models.User),
		usersByEmail: make(map[string]string),
		calls:        make(map[string]models.CallRequest),
		bus:          NewMemoryBus(),
	}
}

// Bus exposes the notification bus so callers can subscribe event sources
// the way they would open pq.Listeners against Postgres.
func (db *MemoryDatabase) Bus() *MemoryBus {
	return db.bus
}

func (db *MemoryDatabase) publishCallEvent(op string, cr models.CallRequest) {
	payload, err := json.Marshal(models.CallRequestEvent{Op: op, Record: cr})
	if err != nil {
		fmt.Printf("[warn] failed to marshal call event: %v\n", err)
		return
	}
	db.bus.Publish(CallRequestsChannel, payload)
}

// CreateUser 创建用户
func (db *MemoryDatabase) CreateUser(user *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.usersByEmail[user.Email]; exists {
		return fmt.Errorf("user already exists")
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = models.RoleMember
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	db.users[user.ID] = *user
	db.usersByEmail[user.Email] = user.ID
	return nil
}

// GetUserByEmail 根据邮箱获取用户
func (db *MemoryDatabase) GetUserByEmail(email string) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id, ok := db.usersByEmail[email]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	u := db.users[id]
	return &u, nil
}

// GetUserByID 根据ID获取用户
func (db *MemoryDatabase) GetUserByID(id string) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	return &u, nil
}

// CreateCallRequest 创建呼叫请求
func (db *MemoryDatabase) CreateCallRequest(cr *models.CallRequest) error {
	db.mu.Lock()

	if cr.ID == "" {
		cr.ID = uuid.New().String()
	}
	if _, exists := db.calls[cr.ID]; exists {
		db.mu.Unlock()
		return fmt.Errorf("call request already exists")
	}
	cr.Status = models.CallPending
	cr.CreatedAt = time.Now()
	cr.UpdatedAt = cr.CreatedAt

	stored := *cr
	db.calls[cr.ID] = stored
	db.mu.Unlock()

	db.publishCallEvent(models.CallEventInsert, stored)
	return nil
}

// GetCallRequest 获取单个呼叫请求
func (db *MemoryDatabase) GetCallRequest(id string) (*models.CallRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cr, ok := db.calls[id]
	if !ok {
		return nil, fmt.Errorf("call request not found")
	}
	return &cr, nil
}

// ListPendingCallRequests 列出某个被叫者所有未过期的 pending 呼叫（最早的在前）
func (db *MemoryDatabase) ListPendingCallRequests(calleeID string, now time.Time) ([]models.CallRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var list []models.CallRequest
	for _, cr := range db.calls {
		if cr.CalleeID == calleeID && cr.Status == models.CallPending && !cr.Expired(now) {
			list = append(list, cr)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// ResolveCallRequest 条件状态转换，语义与 Postgres 实现一致
func (db *MemoryDatabase) ResolveCallRequest(id, calleeID string, to models.CallStatus) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("invalid transition target: %s", to)
	}

	db.mu.Lock()
	cr, ok := db.calls[id]
	if !ok || cr.CalleeID != calleeID || cr.Status != models.CallPending || cr.Expired(time.Now()) {
		db.mu.Unlock()
		return false, nil
	}
	cr.Status = to
	cr.UpdatedAt = time.Now()
	db.calls[id] = cr
	db.mu.Unlock()

	db.publishCallEvent(models.CallEventUpdate, cr)
	return true, nil
}

// CancelCallRequest 主叫方撤回仍在响铃的呼叫
func (db *MemoryDatabase) CancelCallRequest(id, callerID string) (bool, error) {
	db.mu.Lock()
	cr, ok := db.calls[id]
	if !ok || cr.CallerID != callerID || cr.Status != models.CallPending {
		db.mu.Unlock()
		return false, nil
	}
	cr.Status = models.CallCancelled
	cr.UpdatedAt = time.Now()
	db.calls[id] = cr
	db.mu.Unlock()

	db.publishCallEvent(models.CallEventUpdate, cr)
	return true, nil
}

// ExpireCallRequests 将所有已过截止时间但仍为 pending 的行置为 timeout
func (db *MemoryDatabase) ExpireCallRequests(now time.Time) (int64, error) {
	db.mu.Lock()
	var expired []models.CallRequest
	for id, cr := range db.calls {
		if cr.Status == models.CallPending && cr.Expired(now) {
			cr.Status = models.CallTimeout
			cr.UpdatedAt = time.Now()
			db.calls[id] = cr
			expired = append(expired, cr)
		}
	}
	db.mu.Unlock()

	for _, cr := range expired {
		db.publishCallEvent(models.CallEventUpdate, cr)
	}
	return int64(len(expired)), nil
}

// HealthCheck 健康检查
func (db *MemoryDatabase) HealthCheck() error {
	return nil
}

// Close 关闭连接
func (db *MemoryDatabase) Close() error {
	return nil
}
