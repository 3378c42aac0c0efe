// Package model содержит доменные сущности сервиса кредитов Tabeeb.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User представляет зарегистрированного пользователя платформы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// CreditKind описывает вид кредитов на балансе пользователя.
type CreditKind string

const (
	KindUniversal    CreditKind = "universal"
	KindVideoMinutes CreditKind = "video_minutes"
	KindArticle      CreditKind = "article"
)

// IsValid сообщает, является ли значение одним из известных видов кредитов.
func (k CreditKind) IsValid() bool {
	switch k {
	case KindUniversal, KindVideoMinutes, KindArticle:
		return true
	}
	return false
}

// Balance содержит текущие остатки пользователя по каждому виду кредитов.
// Ни одно из полей не может быть отрицательным.
type Balance struct {
	UniversalCredits int64 `json:"universal_credits"`
	VideoMinutes     int64 `json:"video_minutes"`
	ArticleCredits   int64 `json:"article_credits"`
}

// CreditPayload описывает набор кредитов, зашитый в код активации.
type CreditPayload struct {
	UniversalCredits int64 `json:"universal_credits,omitempty"`
	VideoMinutes     int64 `json:"video_minutes,omitempty"`
	ArticleCredits   int64 `json:"article_credits,omitempty"`
}

// IsZero сообщает, пуст ли набор кредитов.
func (p CreditPayload) IsZero() bool {
	return p.UniversalCredits == 0 && p.VideoMinutes == 0 && p.ArticleCredits == 0
}

// HasNegative сообщает, содержит ли набор отрицательные значения.
func (p CreditPayload) HasNegative() bool {
	return p.UniversalCredits < 0 || p.VideoMinutes < 0 || p.ArticleCredits < 0
}

// CodeStatus описывает статус кода активации.
type CodeStatus string

const (
	CodeStatusUnused   CodeStatus = "unused"
	CodeStatusRedeemed CodeStatus = "redeemed"
	CodeStatusExpired  CodeStatus = "expired"
	CodeStatusRevoked  CodeStatus = "revoked"
)

// RedemptionCode описывает одноразовый код активации с набором кредитов.
type RedemptionCode struct {
	ID         int64
	Code       string
	Prefix     string
	Payload    CreditPayload
	Status     CodeStatus
	ExpiresAt  *time.Time
	RedeemedBy *int64
	RedeemedAt *time.Time
	CreatedAt  time.Time
}

// TransactionReason описывает причину изменения баланса.
type TransactionReason string

const (
	ReasonRedeem          TransactionReason = "redeem"
	ReasonConsumeVideo    TransactionReason = "consume_video"
	ReasonConsumeArticle  TransactionReason = "consume_article"
	ReasonConsumeCourse   TransactionReason = "consume_course"
	ReasonAdminAdjustment TransactionReason = "admin_adjustment"
)

// Transaction — неизменяемая запись журнала об изменении баланса.
// Записи только добавляются; корректировки оформляются новыми записями.
type Transaction struct {
	ID        int64             `json:"-"`
	UserID    int64             `json:"-"`
	Kind      CreditKind        `json:"kind"`
	Delta     int64             `json:"delta"`
	Reason    TransactionReason `json:"reason"`
	Reference string            `json:"reference"`
	CreatedAt time.Time         `json:"created_at"`
}

// ResourceKind описывает тип платного ресурса.
type ResourceKind string

const (
	ResourceArticle ResourceKind = "article"
	ResourceCourse  ResourceKind = "course"
)

// IsValid сообщает, является ли значение известным типом ресурса.
func (k ResourceKind) IsValid() bool {
	return k == ResourceArticle || k == ResourceCourse
}

// Grant — запись о том, что пользователь открыл доступ к ресурсу.
// На пару (пользователь, ресурс) существует не более одной записи.
type Grant struct {
	ID           uuid.UUID    `json:"id"`
	UserID       int64        `json:"-"`
	ResourceID   string       `json:"resource_id"`
	ResourceKind ResourceKind `json:"resource_kind"`
	CreatedAt    time.Time    `json:"created_at"`
}

// QuizResult содержит итог прохождения теста по курсу для отчёта.
type QuizResult struct {
	CourseID string   `json:"course_id"`
	Status   string   `json:"status"`
	Score    *float64 `json:"score,omitempty"`
}

// ReportRow — строка административного отчёта по активированным кодам.
type ReportRow struct {
	Code       string        `json:"code"`
	Prefix     string        `json:"prefix"`
	Payload    CreditPayload `json:"payload"`
	Login      string        `json:"login"`
	RedeemedAt time.Time     `json:"redeemed_at"`
	Grants     []Grant       `json:"grants,omitempty"`
	Quiz       []QuizResult  `json:"quiz,omitempty"`
}
