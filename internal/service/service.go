// Package service реализует бизнес-логику сервиса кредитов.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tabeeb/credits-system/internal/metrics"
	"github.com/tabeeb/credits-system/internal/model"
	"github.com/tabeeb/credits-system/internal/quiz"
	"github.com/tabeeb/credits-system/internal/repository"
	"github.com/tabeeb/credits-system/internal/validation"
)

// ErrInvalidAmount возвращается при некорректном количестве (партия, цена, минуты, дельта).
var (
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidPayload возвращается, если набор кредитов кода пуст или содержит отрицательные значения.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidCode возвращается при некорректном формате кода активации.
	ErrInvalidCode = errors.New("invalid code format")
	// ErrInvalidPrefix возвращается при некорректном префиксе партии.
	ErrInvalidPrefix = errors.New("invalid prefix")
	// ErrInvalidKind возвращается при неизвестном виде кредитов.
	ErrInvalidKind = errors.New("invalid credit kind")
	// ErrInvalidResource возвращается при некорректном идентификаторе или типе ресурса.
	ErrInvalidResource = errors.New("invalid resource")
	// ErrGenerationExhausted возвращается, когда попытки сгенерировать партию без коллизий исчерпаны.
	ErrGenerationExhausted = errors.New("code generation attempts exhausted")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	// articlePrice — фиксированная цена разовой статьи в кредитах на статьи.
	articlePrice = 1

	maxGenerationAttempts = 5

	codeAlphabet    = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeGroupCount  = 3
	codeGroupLength = 4

	reconcileInterval  = time.Minute
	reconcileBatchSize = 100
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateCodes(ctx context.Context, codes []model.RedemptionCode) error
	RedeemCode(ctx context.Context, code string, userID int64) (*model.Balance, error)
	RevokeCode(ctx context.Context, code string) error
	ApplyDelta(ctx context.Context, userID int64, kind model.CreditKind, delta int64, reason model.TransactionReason, reference string) (*model.Balance, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetTransactions(ctx context.Context, userID int64, kind *model.CreditKind, limit, offset int) ([]model.Transaction, error)
	GetGrant(ctx context.Context, userID int64, resourceID string) (*model.Grant, error)
	GetGrantsByUser(ctx context.Context, userID int64) ([]model.Grant, error)
	CreateGrantWithDebit(ctx context.Context, grant model.Grant, kind model.CreditKind, price int64, reason model.TransactionReason) (*model.Grant, bool, error)
	GetRedeemedCodes(ctx context.Context, prefix string, limit, offset int) ([]repository.ReportEntry, error)
	GetUnreconciledCodes(ctx context.Context, limit int) ([]string, error)
}

// Service содержит бизнес-логику сервиса кредитов.
type Service struct {
	repo         Repository
	quizClient   *quiz.Client
	batchCeiling int
	logger       *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом системы тестов.
func NewService(repo Repository, quizClient *quiz.Client, batchCeiling int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:         repo,
		quizClient:   quizClient,
		batchCeiling: batchCeiling,
		logger:       logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// GenerateBatch выпускает партию одноразовых кодов активации с одинаковым
// набором кредитов под общим префиксом. При коллизии сгенерированных кодов
// с существующими партия перегенерируется ограниченное число раз.
func (s *Service) GenerateBatch(ctx context.Context, amount int, payload model.CreditPayload, prefix string, expiresAt *time.Time) ([]model.RedemptionCode, error) {
	if amount <= 0 || amount > s.batchCeiling {
		return nil, ErrInvalidAmount
	}
	if payload.IsZero() || payload.HasNegative() {
		return nil, ErrInvalidPayload
	}

	normPrefix, ok := validation.NormalizePrefix(prefix)
	if !ok {
		return nil, ErrInvalidPrefix
	}

	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		codes, err := buildBatch(amount, payload, normPrefix, expiresAt)
		if err != nil {
			return nil, err
		}

		err = s.repo.CreateCodes(ctx, codes)
		if err == nil {
			metrics.CodesGeneratedTotal.Add(float64(amount))
			return codes, nil
		}
		if errors.Is(err, repository.ErrCodeCollision) {
			continue
		}
		return nil, err
	}

	return nil, ErrGenerationExhausted
}

func buildBatch(amount int, payload model.CreditPayload, prefix string, expiresAt *time.Time) ([]model.RedemptionCode, error) {
	codes := make([]model.RedemptionCode, 0, amount)
	seen := make(map[string]struct{}, amount)

	for len(codes) < amount {
		token, err := randomToken(prefix)
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}

		codes = append(codes, model.RedemptionCode{
			Code:      token,
			Prefix:    prefix,
			Payload:   payload,
			Status:    model.CodeStatusUnused,
			ExpiresAt: expiresAt,
		})
	}

	return codes, nil
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, codeGroupCount*codeGroupLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(prefix)
	for i, v := range buf {
		if i%codeGroupLength == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
	}

	return b.String(), nil
}

// Redeem активирует код для пользователя и возвращает обновлённый баланс.
func (s *Service) Redeem(ctx context.Context, rawCode string, userID int64) (*model.Balance, error) {
	code, ok := validation.NormalizeCode(rawCode)
	if !ok {
		return nil, ErrInvalidCode
	}

	balance, err := s.repo.RedeemCode(ctx, code, userID)
	if err != nil {
		return nil, err
	}

	metrics.CodesRedeemedTotal.Inc()
	return balance, nil
}

// RevokeCode отзывает неиспользованный код активации.
func (s *Service) RevokeCode(ctx context.Context, rawCode string) error {
	code, ok := validation.NormalizeCode(rawCode)
	if !ok {
		return ErrInvalidCode
	}
	return s.repo.RevokeCode(ctx, code)
}

// GetBalance возвращает текущий баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.repo.GetBalance(ctx, userID)
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetHistory возвращает страницу журнала операций пользователя от новых к старым.
// kindFilter — пустая строка либо один из видов кредитов.
func (s *Service) GetHistory(ctx context.Context, userID int64, page, pageSize int, kindFilter string) ([]model.Transaction, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var kind *model.CreditKind
	if kindFilter != "" {
		k := model.CreditKind(kindFilter)
		if !k.IsValid() {
			return nil, ErrInvalidKind
		}
		kind = &k
	}

	return s.repo.GetTransactions(ctx, userID, kind, pageSize, (page-1)*pageSize)
}

// CheckAccess сообщает, открыт ли пользователю доступ к ресурсу, и цену
// доступа, если он ещё не открыт. Для курсов цену назначает каталог, поэтому
// здесь она возвращается нулевой.
func (s *Service) CheckAccess(ctx context.Context, userID int64, resourceID string, resourceKind model.ResourceKind) (*model.Grant, int64, error) {
	if resourceID == "" || !resourceKind.IsValid() {
		return nil, 0, ErrInvalidResource
	}

	grant, err := s.repo.GetGrant(ctx, userID, resourceID)
	if err != nil {
		if errors.Is(err, repository.ErrGrantNotFound) {
			var price int64
			if resourceKind == model.ResourceArticle {
				price = articlePrice
			}
			return nil, price, nil
		}
		return nil, 0, err
	}

	return grant, 0, nil
}

// Purchase открывает пользователю доступ к разовому ресурсу, списывая его цену.
// Повторная покупка того же ресурса возвращает существующую запись о доступе
// без повторного списания. Второе возвращаемое значение сообщает, была ли
// запись создана этим вызовом.
func (s *Service) Purchase(ctx context.Context, userID int64, resourceID string, resourceKind model.ResourceKind, price int64) (*model.Grant, bool, error) {
	if resourceID == "" || !resourceKind.IsValid() {
		return nil, false, ErrInvalidResource
	}

	var (
		kind   model.CreditKind
		reason model.TransactionReason
	)
	switch resourceKind {
	case model.ResourceArticle:
		kind = model.KindArticle
		reason = model.ReasonConsumeArticle
		price = articlePrice
	case model.ResourceCourse:
		kind = model.KindUniversal
		reason = model.ReasonConsumeCourse
		if price <= 0 {
			return nil, false, ErrInvalidAmount
		}
	}

	grant := model.Grant{
		ID:           uuid.New(),
		UserID:       userID,
		ResourceID:   resourceID,
		ResourceKind: resourceKind,
	}

	res, created, err := s.repo.CreateGrantWithDebit(ctx, grant, kind, price, reason)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			metrics.InsufficientCreditsTotal.WithLabelValues(string(reason)).Inc()
		}
		return nil, false, err
	}

	if created {
		metrics.PurchasesTotal.WithLabelValues(string(resourceKind)).Inc()
	}

	return res, created, nil
}

// ConsumeVideoMinutes списывает минуты просмотра с баланса пользователя.
// Списание поминутное и не создаёт записей о доступе: доступ к видео
// определяется только остатком минут на момент просмотра.
func (s *Service) ConsumeVideoMinutes(ctx context.Context, userID int64, courseID string, minutes int64) (*model.Balance, error) {
	if courseID == "" {
		return nil, ErrInvalidResource
	}
	if minutes <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, err := s.repo.ApplyDelta(ctx, userID, model.KindVideoMinutes, -minutes, model.ReasonConsumeVideo, courseID)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			metrics.InsufficientCreditsTotal.WithLabelValues(string(model.ReasonConsumeVideo)).Inc()
		}
		return nil, err
	}

	metrics.VideoMinutesConsumedTotal.Add(float64(minutes))
	return balance, nil
}

// AdminAdjust применяет административную корректировку баланса пользователя.
// Корректировка проходит тот же атомарный путь, что и обычные списания,
// и не может увести баланс в минус.
func (s *Service) AdminAdjust(ctx context.Context, userID int64, kindStr string, delta int64, comment string) (*model.Balance, error) {
	kind := model.CreditKind(kindStr)
	if !kind.IsValid() {
		return nil, ErrInvalidKind
	}
	if delta == 0 {
		return nil, ErrInvalidAmount
	}

	reference := validation.SanitizeText(comment)
	return s.repo.ApplyDelta(ctx, userID, kind, delta, model.ReasonAdminAdjustment, reference)
}

// LicenseReport собирает страницу административного отчёта: активированные
// коды, открытые доступы активировавших их пользователей и результаты тестов
// по курсам. Недоступность системы тестов портит только затронутые строки.
func (s *Service) LicenseReport(ctx context.Context, prefixFilter string, page, pageSize int) ([]model.ReportRow, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	prefix := ""
	if prefixFilter != "" {
		p, ok := validation.NormalizePrefix(prefixFilter)
		if !ok {
			return nil, ErrInvalidPrefix
		}
		prefix = p
	}

	entries, err := s.repo.GetRedeemedCodes(ctx, prefix, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	rows := make([]model.ReportRow, 0, len(entries))
	for _, e := range entries {
		row := model.ReportRow{
			Code:       e.Code,
			Prefix:     e.Prefix,
			Payload:    e.Payload,
			Login:      e.Login,
			RedeemedAt: e.RedeemedAt,
		}

		grants, err := s.repo.GetGrantsByUser(ctx, e.UserID)
		if err != nil {
			s.logger.Warn("report: grants lookup failed",
				zap.String("code", e.Code), zap.Error(err))
			rows = append(rows, row)
			continue
		}
		row.Grants = grants

		for _, g := range grants {
			if g.ResourceKind != model.ResourceCourse {
				continue
			}
			row.Quiz = append(row.Quiz, s.quizResult(ctx, e.UserID, g.ResourceID))
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func (s *Service) quizResult(ctx context.Context, userID int64, courseID string) model.QuizResult {
	if s.quizClient == nil {
		return model.QuizResult{CourseID: courseID, Status: "unknown"}
	}

	attempt, status, retryAfter, err := s.quizClient.GetAttempt(ctx, userID, courseID)
	if err != nil {
		s.logger.Warn("report: quiz lookup failed",
			zap.Int64("userID", userID), zap.String("courseID", courseID), zap.Error(err))
		return model.QuizResult{CourseID: courseID, Status: "unavailable"}
	}
	if attempt == nil {
		// Отсутствие попытки — только явный ответ 204/404. Троттлинг и прочие
		// нештатные статусы не утверждение "теста не было", а деградация строки.
		if status == http.StatusNoContent || status == http.StatusNotFound {
			return model.QuizResult{CourseID: courseID, Status: "not_attempted"}
		}
		s.logger.Warn("report: quiz system throttled",
			zap.Int64("userID", userID), zap.String("courseID", courseID),
			zap.Int("status", status), zap.Duration("retryAfter", retryAfter))
		return model.QuizResult{CourseID: courseID, Status: "unavailable"}
	}

	return model.QuizResult{CourseID: courseID, Status: attempt.Status, Score: attempt.Score}
}

// StartReconciliation запускает фоновую сверку: коды в статусе redeemed без
// журнальной записи о начислении логируются как расхождения для операторов.
func (s *Service) StartReconciliation(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileOnce(ctx)
			}
		}
	}()
}

func (s *Service) reconcileOnce(ctx context.Context) {
	codes, err := s.repo.GetUnreconciledCodes(ctx, reconcileBatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("reconciliation query failed", zap.Error(err))
		}
		return
	}

	for _, code := range codes {
		s.logger.Warn("redeemed code has no ledger entry", zap.String("code", code))
	}
}
