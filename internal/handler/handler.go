// Package handler содержит HTTP-обработчики API сервиса кредитов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tabeeb/credits-system/internal/middleware"
	"github.com/tabeeb/credits-system/internal/model"
	"github.com/tabeeb/credits-system/internal/repository"
	"github.com/tabeeb/credits-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	Redeem(ctx context.Context, code string, userID int64) (*model.Balance, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetHistory(ctx context.Context, userID int64, page, pageSize int, kindFilter string) ([]model.Transaction, error)
	CheckAccess(ctx context.Context, userID int64, resourceID string, resourceKind model.ResourceKind) (*model.Grant, int64, error)
	Purchase(ctx context.Context, userID int64, resourceID string, resourceKind model.ResourceKind, price int64) (*model.Grant, bool, error)
	ConsumeVideoMinutes(ctx context.Context, userID int64, courseID string, minutes int64) (*model.Balance, error)
	GenerateBatch(ctx context.Context, amount int, payload model.CreditPayload, prefix string, expiresAt *time.Time) ([]model.RedemptionCode, error)
	RevokeCode(ctx context.Context, code string) error
	AdminAdjust(ctx context.Context, userID int64, kind string, delta int64, comment string) (*model.Balance, error)
	LicenseReport(ctx context.Context, prefixFilter string, page, pageSize int) ([]model.ReportRow, error)
}

// Handler реализует HTTP-обработчики API сервиса кредитов.
type Handler struct {
	service         Service
	logger          *zap.Logger
	authMiddleware  *middleware.AuthMiddleware
	adminMiddleware *middleware.AdminMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, admin *middleware.AdminMiddleware) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		authMiddleware:  auth,
		adminMiddleware: admin,
	}
}

// Ping проверяет доступность сервиса и его хранилища.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("ping error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, "login already taken", http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type redeemRequest struct {
	Code string `json:"code"`
}

// RedeemCode активирует код и начисляет его кредиты текущему пользователю.
func (h *Handler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.Redeem(r.Context(), req.Code, userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCode):
			http.Error(w, "invalid code format", http.StatusBadRequest)
		case errors.Is(err, repository.ErrCodeNotFound):
			http.Error(w, "code not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrCodeAlreadyUsed):
			http.Error(w, "code already used", http.StatusConflict)
		case errors.Is(err, repository.ErrCodeExpired):
			http.Error(w, "code expired", http.StatusGone)
		case errors.Is(err, repository.ErrCodeRevoked):
			http.Error(w, "code revoked", http.StatusGone)
		default:
			h.logger.Error("redeem error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, http.StatusOK, balance)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, balance)
}

type transactionResponse struct {
	Kind      string `json:"kind"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	Reference string `json:"reference,omitempty"`
	CreatedAt string `json:"created_at"`
}

// GetHistory возвращает страницу журнала операций текущего пользователя.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)
	kind := r.URL.Query().Get("kind")

	history, err := h.service.GetHistory(r.Context(), userID, page, pageSize, kind)
	if err != nil {
		if errors.Is(err, service.ErrInvalidKind) {
			http.Error(w, "unknown credit kind", http.StatusBadRequest)
			return
		}
		h.logger.Error("get history error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(history))
	for _, t := range history {
		resp = append(resp, transactionResponse{
			Kind:      string(t.Kind),
			Delta:     t.Delta,
			Reason:    string(t.Reason),
			Reference: t.Reference,
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

type accessResponse struct {
	Granted bool         `json:"granted"`
	Price   *int64       `json:"price,omitempty"`
	Grant   *model.Grant `json:"grant,omitempty"`
}

// CheckAccess сообщает, открыт ли текущему пользователю доступ к ресурсу.
// Проверка не изменяет баланс: повторный доступ к открытому ресурсу бесплатен.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	resourceID := r.URL.Query().Get("resource_id")
	resourceKind := model.ResourceKind(r.URL.Query().Get("resource_kind"))

	grant, price, err := h.service.CheckAccess(r.Context(), userID, resourceID, resourceKind)
	if err != nil {
		if errors.Is(err, service.ErrInvalidResource) {
			http.Error(w, "invalid resource", http.StatusBadRequest)
			return
		}
		h.logger.Error("check access error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := accessResponse{Granted: grant != nil, Grant: grant}
	if grant == nil {
		resp.Price = &price
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

type purchaseRequest struct {
	ResourceID   string `json:"resource_id"`
	ResourceKind string `json:"resource_kind"`
	Price        int64  `json:"price,omitempty"`
}

type purchaseResponse struct {
	Grant        *model.Grant `json:"grant"`
	AlreadyOwned bool         `json:"already_owned"`
}

// Purchase открывает текущему пользователю доступ к разовому ресурсу.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	grant, created, err := h.service.Purchase(r.Context(), userID, req.ResourceID, model.ResourceKind(req.ResourceKind), req.Price)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidResource):
			http.Error(w, "invalid resource", http.StatusBadRequest)
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, "invalid price", http.StatusBadRequest)
		case errors.Is(err, repository.ErrInsufficientCredits):
			http.Error(w, "insufficient credits", http.StatusPaymentRequired)
		default:
			h.logger.Error("purchase error", zap.Error(err),
				zap.Int64("userID", userID), zap.String("resource", req.ResourceID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}

	writeJSON(w, h.logger, status, purchaseResponse{Grant: grant, AlreadyOwned: !created})
}

type consumeVideoRequest struct {
	CourseID string `json:"course_id"`
	Minutes  int64  `json:"minutes"`
}

// ConsumeVideo списывает минуты просмотра с баланса текущего пользователя.
func (h *Handler) ConsumeVideo(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req consumeVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.ConsumeVideoMinutes(r.Context(), userID, req.CourseID, req.Minutes)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidResource), errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, "invalid request", http.StatusBadRequest)
		case errors.Is(err, repository.ErrInsufficientCredits):
			http.Error(w, "insufficient video minutes", http.StatusPaymentRequired)
		default:
			h.logger.Error("consume video error", zap.Error(err),
				zap.Int64("userID", userID), zap.String("course", req.CourseID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, http.StatusOK, balance)
}

type generateRequest struct {
	Amount    int                 `json:"amount"`
	Prefix    string              `json:"prefix"`
	Payload   model.CreditPayload `json:"payload"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

type generateResponse struct {
	Codes   []string            `json:"codes"`
	Payload model.CreditPayload `json:"payload"`
}

// GenerateCodes выпускает партию кодов активации (административный маршрут).
func (h *Handler) GenerateCodes(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	codes, err := h.service.GenerateBatch(r.Context(), req.Amount, req.Payload, req.Prefix, req.ExpiresAt)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, "invalid batch amount", http.StatusBadRequest)
		case errors.Is(err, service.ErrInvalidPayload):
			http.Error(w, "invalid payload", http.StatusBadRequest)
		case errors.Is(err, service.ErrInvalidPrefix):
			http.Error(w, "invalid prefix", http.StatusBadRequest)
		default:
			h.logger.Error("generate batch error", zap.Error(err), zap.Int("amount", req.Amount))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := generateResponse{
		Codes:   make([]string, 0, len(codes)),
		Payload: req.Payload,
	}
	for _, c := range codes {
		resp.Codes = append(resp.Codes, c.Code)
	}

	writeJSON(w, h.logger, http.StatusCreated, resp)
}

type revokeRequest struct {
	Code string `json:"code"`
}

// RevokeCode отзывает неиспользованный код активации (административный маршрут).
func (h *Handler) RevokeCode(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RevokeCode(r.Context(), req.Code); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCode):
			http.Error(w, "invalid code format", http.StatusBadRequest)
		case errors.Is(err, repository.ErrCodeNotFound):
			http.Error(w, "code not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrCodeAlreadyUsed),
			errors.Is(err, repository.ErrCodeExpired),
			errors.Is(err, repository.ErrCodeRevoked):
			http.Error(w, "code is not revocable", http.StatusConflict)
		default:
			h.logger.Error("revoke code error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type adjustRequest struct {
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"`
	Delta   int64  `json:"delta"`
	Comment string `json:"comment,omitempty"`
}

// AdminAdjust применяет корректировку баланса пользователя (административный маршрут).
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	balance, err := h.service.AdminAdjust(r.Context(), req.UserID, req.Kind, req.Delta, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidKind):
			http.Error(w, "unknown credit kind", http.StatusBadRequest)
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, "delta must not be zero", http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, "user not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrInsufficientCredits):
			http.Error(w, "insufficient credits", http.StatusPaymentRequired)
		default:
			h.logger.Error("admin adjust error", zap.Error(err), zap.Int64("userID", req.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, http.StatusOK, balance)
}

// LicenseReport возвращает страницу отчёта по активированным кодам (административный маршрут).
func (h *Handler) LicenseReport(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)
	prefix := r.URL.Query().Get("prefix")

	rows, err := h.service.LicenseReport(r.Context(), prefix, page, pageSize)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPrefix) {
			http.Error(w, "invalid prefix", http.StatusBadRequest)
			return
		}
		h.logger.Error("license report error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(rows) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, rows)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}
