package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"call-signal-backend/pkg/config"
	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/middleware"
	"call-signal-backend/pkg/models"
	"call-signal-backend/pkg/utils"

	chiRoute "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CallsHandler 呼叫信令处理器。accept/decline/cancel 都走存储层的条件更新：
// 并发的响应者中恰好一个胜出，落败方收到 409 CALL_NOT_PENDING。
type CallsHandler struct {
	config *config.Config
	db     database.DatabaseInterface
}

func NewCallsHandler(cfg *config.Config, db database.DatabaseInterface) *CallsHandler {
	return &CallsHandler{config: cfg, db: db}
}

// POST /api/calls
func (h *CallsHandler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	var req models.InitiateCallRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid body")
		return
	}
	req.CalleeID = strings.TrimSpace(req.CalleeID)
	if req.CalleeID == "" {
		utils.WriteBadRequestResponse(w, "callee_id required")
		return
	}
	if req.CalleeID == user.ID {
		utils.WriteBadRequestResponse(w, "Cannot call yourself")
		return
	}
	if !req.CallType.Valid() {
		utils.WriteValidationErrorResponse(w, "call_type must be \"audio\" or \"video\"", "")
		return
	}
	if _, err := h.db.GetUserByID(req.CalleeID); err != nil {
		utils.WriteNotFoundResponse(w, "Callee not found")
		return
	}

	// 媒体层会话通道名（对本服务而言是不透明句柄）
	channelToken, err := utils.GenerateURLToken(16)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "failed to generate channel name")
		return
	}

	cr := &models.CallRequest{
		ID:          uuid.New().String(),
		CallerID:    user.ID,
		CalleeID:    req.CalleeID,
		CallType:    req.CallType,
		Status:      models.CallPending,
		ChannelName: "call-" + channelToken,
		ExpiresAt:   time.Now().Add(h.config.RingTimeout()),
		Metadata:    req.Metadata,
	}
	if err := h.db.CreateCallRequest(cr); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Create call failed: "+err.Error())
		return
	}

	utils.WriteCreatedResponse(w, map[string]interface{}{"call_request": cr})
}

// GET /api/calls/pending
func (h *CallsHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	calls, err := h.db.ListPendingCallRequests(user.ID, time.Now())
	if err != nil {
		fmt.Printf("[error] ListPending failed for user=%s: %v\n", user.ID, err)
		utils.WriteInternalServerErrorResponse(w, err.Error())
		return
	}
	if calls == nil {
		calls = []models.CallRequest{}
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"call_requests": calls})
}

// GET /api/calls/{id}
func (h *CallsHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	callID := chiRoute.URLParam(r, "id")
	if strings.TrimSpace(callID) == "" {
		utils.WriteBadRequestResponse(w, "call id required")
		return
	}

	cr, err := h.db.GetCallRequest(callID)
	if err != nil {
		utils.WriteNotFoundResponse(w, "Call request not found")
		return
	}
	// 仅通话双方可见
	if cr.CallerID != user.ID && cr.CalleeID != user.ID {
		utils.WriteForbiddenResponse(w, "Not a participant of this call")
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"call_request": cr})
}

// POST /api/calls/{id}/accept
func (h *CallsHandler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, models.CallAccepted)
}

// POST /api/calls/{id}/decline
func (h *CallsHandler) DeclineCall(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, models.CallDeclined)
}

// resolve runs the callee-side conditional transition. Losing the race,
// acting on an expired request and an unknown id all look the same here:
// zero rows matched, reported as 409 rather than an error.
func (h *CallsHandler) resolve(w http.ResponseWriter, r *http.Request, to models.CallStatus) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	callID := chiRoute.URLParam(r, "id")
	if strings.TrimSpace(callID) == "" {
		utils.WriteBadRequestResponse(w, "call id required")
		return
	}

	updated, err := h.db.ResolveCallRequest(callID, user.ID, to)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, err.Error())
		return
	}
	if !updated {
		utils.WriteErrorResponseWithCode(w, http.StatusConflict, "CALL_NOT_PENDING",
			"Call is no longer pending", "")
		return
	}

	cr, err := h.db.GetCallRequest(callID)
	if err != nil {
		// 转换已经成功，读取失败只影响响应体
		fmt.Printf("[warn] fetch after %s failed for call=%s: %v\n", to, callID, err)
		utils.WriteSuccessResponse(w, map[string]interface{}{"id": callID, "status": to})
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"call_request": cr})
}

// POST /api/calls/{id}/cancel
func (h *CallsHandler) CancelCall(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}
	callID := chiRoute.URLParam(r, "id")
	if strings.TrimSpace(callID) == "" {
		utils.WriteBadRequestResponse(w, "call id required")
		return
	}

	updated, err := h.db.CancelCallRequest(callID, user.ID)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, err.Error())
		return
	}
	if !updated {
		utils.WriteErrorResponseWithCode(w, http.StatusConflict, "CALL_NOT_PENDING",
			"Call is no longer pending", "")
		return
	}

	cr, err := h.db.GetCallRequest(callID)
	if err != nil {
		fmt.Printf("[warn] fetch after cancel failed for call=%s: %v\n", callID, err)
		utils.WriteSuccessResponse(w, map[string]interface{}{"id": callID, "status": models.CallCancelled})
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{"call_request": cr})
}
