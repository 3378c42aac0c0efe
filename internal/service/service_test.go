package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tabeeb/credits-system/internal/model"
	"github.com/tabeeb/credits-system/internal/quiz"
	"github.com/tabeeb/credits-system/internal/repository"
	"github.com/tabeeb/credits-system/internal/validation"
)

// fakeRepo — репозиторий в памяти с той же семантикой атомарных операций,
// что у PostgresRepository: условное изменение баланса, одноразовый переход
// кода в redeemed, вставка записи о доступе как граница атомарности.
type fakeRepo struct {
	mu           sync.Mutex
	nextUserID   int64
	users        map[string]*model.User
	usersByID    map[int64]*model.User
	codes        map[string]*model.RedemptionCode
	balances     map[int64]*model.Balance
	transactions []model.Transaction
	grants       []model.Grant
	failCreates  int
	unreconciled []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:     make(map[string]*model.User),
		usersByID: make(map[int64]*model.User),
		codes:     make(map[string]*model.RedemptionCode),
		balances:  make(map[int64]*model.Balance),
	}
}

func (f *fakeRepo) Close() error                 { return nil }
func (f *fakeRepo) Ping(_ context.Context) error { return nil }

func (f *fakeRepo) CreateUser(_ context.Context, login string, passwordHash []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.users[login]; ok {
		return 0, repository.ErrUserExists
	}

	f.nextUserID++
	u := &model.User{ID: f.nextUserID, Login: login, PasswordHash: passwordHash, CreatedAt: time.Now()}
	f.users[login] = u
	f.usersByID[u.ID] = u
	return u.ID, nil
}

func (f *fakeRepo) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[login]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeRepo) CreateCodes(_ context.Context, codes []model.RedemptionCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreates > 0 {
		f.failCreates--
		return repository.ErrCodeCollision
	}

	for _, c := range codes {
		if _, ok := f.codes[c.Code]; ok {
			return repository.ErrCodeCollision
		}
	}
	for _, c := range codes {
		stored := c
		stored.CreatedAt = time.Now()
		f.codes[c.Code] = &stored
	}
	return nil
}

func (f *fakeRepo) RedeemCode(_ context.Context, code string, userID int64) (*model.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.codes[code]
	if !ok {
		return nil, repository.ErrCodeNotFound
	}

	switch c.Status {
	case model.CodeStatusRedeemed:
		return nil, repository.ErrCodeAlreadyUsed
	case model.CodeStatusExpired:
		return nil, repository.ErrCodeExpired
	case model.CodeStatusRevoked:
		return nil, repository.ErrCodeRevoked
	}

	if c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now()) {
		c.Status = model.CodeStatusExpired
		return nil, repository.ErrCodeExpired
	}

	now := time.Now()
	c.Status = model.CodeStatusRedeemed
	c.RedeemedBy = &userID
	c.RedeemedAt = &now

	credits := []struct {
		kind   model.CreditKind
		amount int64
	}{
		{model.KindUniversal, c.Payload.UniversalCredits},
		{model.KindVideoMinutes, c.Payload.VideoMinutes},
		{model.KindArticle, c.Payload.ArticleCredits},
	}
	for _, cr := range credits {
		if cr.amount == 0 {
			continue
		}
		if err := f.applyLocked(userID, cr.kind, cr.amount, model.ReasonRedeem, code); err != nil {
			return nil, err
		}
	}

	b := *f.balanceLocked(userID)
	return &b, nil
}

func (f *fakeRepo) RevokeCode(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.codes[code]
	if !ok {
		return repository.ErrCodeNotFound
	}
	if c.Status != model.CodeStatusUnused {
		return repository.ErrCodeAlreadyUsed
	}
	c.Status = model.CodeStatusRevoked
	return nil
}

func (f *fakeRepo) balanceLocked(userID int64) *model.Balance {
	b, ok := f.balances[userID]
	if !ok {
		b = &model.Balance{}
		f.balances[userID] = b
	}
	return b
}

func balanceField(b *model.Balance, kind model.CreditKind) *int64 {
	switch kind {
	case model.KindUniversal:
		return &b.UniversalCredits
	case model.KindVideoMinutes:
		return &b.VideoMinutes
	case model.KindArticle:
		return &b.ArticleCredits
	}
	return nil
}

func (f *fakeRepo) applyLocked(userID int64, kind model.CreditKind, delta int64, reason model.TransactionReason, reference string) error {
	field := balanceField(f.balanceLocked(userID), kind)
	if field == nil {
		return fmt.Errorf("unknown credit kind %q", kind)
	}
	if *field+delta < 0 {
		return repository.ErrInsufficientCredits
	}
	*field += delta

	f.transactions = append(f.transactions, model.Transaction{
		ID:        int64(len(f.transactions) + 1),
		UserID:    userID,
		Kind:      kind,
		Delta:     delta,
		Reason:    reason,
		Reference: reference,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeRepo) ApplyDelta(_ context.Context, userID int64, kind model.CreditKind, delta int64, reason model.TransactionReason, reference string) (*model.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.applyLocked(userID, kind, delta, reason, reference); err != nil {
		return nil, err
	}
	b := *f.balanceLocked(userID)
	return &b, nil
}

func (f *fakeRepo) GetBalance(_ context.Context, userID int64) (*model.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.balances[userID]; ok {
		copied := *b
		return &copied, nil
	}
	return &model.Balance{}, nil
}

func (f *fakeRepo) GetTransactions(_ context.Context, userID int64, kind *model.CreditKind, limit, offset int) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var filtered []model.Transaction
	for i := len(f.transactions) - 1; i >= 0; i-- {
		t := f.transactions[i]
		if t.UserID != userID {
			continue
		}
		if kind != nil && t.Kind != *kind {
			continue
		}
		filtered = append(filtered, t)
	}

	if offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (f *fakeRepo) GetGrant(_ context.Context, userID int64, resourceID string) (*model.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.grantLocked(userID, resourceID)
}

func (f *fakeRepo) grantLocked(userID int64, resourceID string) (*model.Grant, error) {
	for _, g := range f.grants {
		if g.UserID == userID && g.ResourceID == resourceID {
			copied := g
			return &copied, nil
		}
	}
	return nil, repository.ErrGrantNotFound
}

func (f *fakeRepo) GetGrantsByUser(_ context.Context, userID int64) ([]model.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.Grant
	for _, g := range f.grants {
		if g.UserID == userID {
			res = append(res, g)
		}
	}
	return res, nil
}

func (f *fakeRepo) CreateGrantWithDebit(_ context.Context, grant model.Grant, kind model.CreditKind, price int64, reason model.TransactionReason) (*model.Grant, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, err := f.grantLocked(grant.UserID, grant.ResourceID); err == nil {
		return existing, false, nil
	}

	if err := f.applyLocked(grant.UserID, kind, -price, reason, grant.ResourceID); err != nil {
		return nil, false, err
	}

	grant.CreatedAt = time.Now()
	f.grants = append(f.grants, grant)
	copied := grant
	return &copied, true, nil
}

func (f *fakeRepo) GetRedeemedCodes(_ context.Context, prefix string, limit, offset int) ([]repository.ReportEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []repository.ReportEntry
	for _, c := range f.codes {
		if c.Status != model.CodeStatusRedeemed {
			continue
		}
		if prefix != "" && c.Prefix != prefix {
			continue
		}
		u := f.usersByID[*c.RedeemedBy]
		entries = append(entries, repository.ReportEntry{
			Code:       c.Code,
			Prefix:     c.Prefix,
			Payload:    c.Payload,
			UserID:     u.ID,
			Login:      u.Login,
			RedeemedAt: *c.RedeemedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RedeemedAt.After(entries[j].RedeemedAt)
	})

	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeRepo) GetUnreconciledCodes(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.unreconciled) > limit {
		return f.unreconciled[:limit], nil
	}
	return f.unreconciled, nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, nil, 1000, zap.NewNop())
}

func seedUser(t *testing.T, repo *fakeRepo, login string) int64 {
	t.Helper()

	id, err := repo.CreateUser(context.Background(), login, []byte("hash"))
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := newFakeRepo()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if _, err := repo.CreateUser(context.Background(), "doctor", hashed); err != nil {
		t.Fatalf("create user: %v", err)
	}

	svc := newTestService(repo)

	_, err = svc.AuthenticateUser(context.Background(), "doctor", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestGenerateBatch_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	payload := model.CreditPayload{UniversalCredits: 50}

	tests := []struct {
		name    string
		amount  int
		payload model.CreditPayload
		prefix  string
		wantErr error
	}{
		{name: "zero amount", amount: 0, payload: payload, prefix: "GIFT", wantErr: ErrInvalidAmount},
		{name: "negative amount", amount: -1, payload: payload, prefix: "GIFT", wantErr: ErrInvalidAmount},
		{name: "over ceiling", amount: 1001, payload: payload, prefix: "GIFT", wantErr: ErrInvalidAmount},
		{name: "empty payload", amount: 3, payload: model.CreditPayload{}, prefix: "GIFT", wantErr: ErrInvalidPayload},
		{name: "negative payload", amount: 3, payload: model.CreditPayload{VideoMinutes: -5}, prefix: "GIFT", wantErr: ErrInvalidPayload},
		{name: "bad prefix", amount: 3, payload: payload, prefix: "g!", wantErr: ErrInvalidPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GenerateBatch(context.Background(), tt.amount, tt.payload, tt.prefix, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GenerateBatch error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateBatch_TokenFormat(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	codes, err := svc.GenerateBatch(context.Background(), 10, model.CreditPayload{UniversalCredits: 50}, "gift", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("len(codes) = %d, want 10", len(codes))
	}

	seen := make(map[string]struct{})
	for _, c := range codes {
		if !strings.HasPrefix(c.Code, "GIFT-") {
			t.Fatalf("code %q lacks normalized prefix", c.Code)
		}
		if _, ok := seen[c.Code]; ok {
			t.Fatalf("duplicate code %q in batch", c.Code)
		}
		seen[c.Code] = struct{}{}

		if _, ok := validation.NormalizeCode(c.Code); !ok {
			t.Fatalf("generated code %q fails its own format validation", c.Code)
		}
	}
}

func TestGenerateBatch_CollisionRetry(t *testing.T) {
	repo := newFakeRepo()
	repo.failCreates = 2
	svc := newTestService(repo)

	codes, err := svc.GenerateBatch(context.Background(), 3, model.CreditPayload{ArticleCredits: 1}, "GIFT", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}
	if len(codes) != 3 {
		t.Fatalf("len(codes) = %d, want 3", len(codes))
	}
}

func TestGenerateBatch_Exhausted(t *testing.T) {
	repo := newFakeRepo()
	repo.failCreates = maxGenerationAttempts
	svc := newTestService(repo)

	_, err := svc.GenerateBatch(context.Background(), 3, model.CreditPayload{ArticleCredits: 1}, "GIFT", nil)
	if !errors.Is(err, ErrGenerationExhausted) {
		t.Fatalf("expected ErrGenerationExhausted, got %v", err)
	}
}

func TestRedeem_SingleUse(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	userA := seedUser(t, repo, "user-a")
	userB := seedUser(t, repo, "user-b")

	codes, err := svc.GenerateBatch(ctx, 3, model.CreditPayload{UniversalCredits: 50}, "GIFT", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}

	balance, err := svc.Redeem(ctx, codes[1].Code, userA)
	if err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
	if balance.UniversalCredits != 50 {
		t.Fatalf("UniversalCredits = %d, want 50", balance.UniversalCredits)
	}

	for _, i := range []int{0, 2} {
		if repo.codes[codes[i].Code].Status != model.CodeStatusUnused {
			t.Fatalf("code %d status = %s, want unused", i, repo.codes[codes[i].Code].Status)
		}
	}

	// Повторная активация тем же и другим пользователем.
	if _, err := svc.Redeem(ctx, codes[1].Code, userA); !errors.Is(err, repository.ErrCodeAlreadyUsed) {
		t.Fatalf("second redeem by same user: %v, want ErrCodeAlreadyUsed", err)
	}
	if _, err := svc.Redeem(ctx, codes[1].Code, userB); !errors.Is(err, repository.ErrCodeAlreadyUsed) {
		t.Fatalf("redeem by another user: %v, want ErrCodeAlreadyUsed", err)
	}
}

func TestRedeem_InvalidFormat(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, err := svc.Redeem(context.Background(), "not a code!!", 1)
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestRedeem_Expired(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "user")
	past := time.Now().Add(-time.Hour)

	codes, err := svc.GenerateBatch(ctx, 1, model.CreditPayload{UniversalCredits: 10}, "GIFT", &past)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}

	if _, err := svc.Redeem(ctx, codes[0].Code, user); !errors.Is(err, repository.ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}

	b, _ := svc.GetBalance(ctx, user)
	if b.UniversalCredits != 0 {
		t.Fatalf("balance after expired redeem = %d, want 0", b.UniversalCredits)
	}
}

func TestConsumeVideoMinutes_Metered(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "viewer")
	if _, err := svc.AdminAdjust(ctx, user, "video_minutes", 10, "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	balance, err := svc.ConsumeVideoMinutes(ctx, user, "courseX", 7)
	if err != nil {
		t.Fatalf("ConsumeVideoMinutes error: %v", err)
	}
	if balance.VideoMinutes != 3 {
		t.Fatalf("VideoMinutes = %d, want 3", balance.VideoMinutes)
	}

	history, err := svc.GetHistory(ctx, user, 1, 10, "video_minutes")
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if history[0].Delta != -7 || history[0].Reason != model.ReasonConsumeVideo {
		t.Fatalf("latest transaction = %+v, want delta -7 reason consume_video", history[0])
	}

	if _, err := svc.ConsumeVideoMinutes(ctx, user, "courseX", 5); !errors.Is(err, repository.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	b, _ := svc.GetBalance(ctx, user)
	if b.VideoMinutes != 3 {
		t.Fatalf("VideoMinutes after failed consume = %d, want 3", b.VideoMinutes)
	}
}

func TestConsumeVideoMinutes_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	ctx := context.Background()

	if _, err := svc.ConsumeVideoMinutes(ctx, 1, "", 5); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("empty course: %v, want ErrInvalidResource", err)
	}
	if _, err := svc.ConsumeVideoMinutes(ctx, 1, "courseX", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero minutes: %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.ConsumeVideoMinutes(ctx, 1, "courseX", -3); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative minutes: %v, want ErrInvalidAmount", err)
	}
}

func TestConsumeVideoMinutes_ConcurrentDebits(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "viewer")
	if _, err := svc.AdminAdjust(ctx, user, "video_minutes", 50, "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	const (
		attempts = 20
		chunk    = 5
	)

	var wg sync.WaitGroup
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConsumeVideoMinutes(ctx, user, "courseX", chunk)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	applied, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, repository.ErrInsufficientCredits):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if applied != 10 || rejected != attempts-10 {
		t.Fatalf("applied = %d, rejected = %d, want 10 and %d", applied, rejected, attempts-10)
	}

	b, err := svc.GetBalance(ctx, user)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if b.VideoMinutes != 0 {
		t.Fatalf("VideoMinutes = %d, want 0", b.VideoMinutes)
	}

	// Итог журнала сходится с балансом: посев + ровно одна запись на
	// каждое успешное списание, отказы записей не оставляют.
	history, err := svc.GetHistory(ctx, user, 1, 100, "video_minutes")
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	var sum int64
	debits := 0
	for _, tr := range history {
		sum += tr.Delta
		if tr.Reason == model.ReasonConsumeVideo {
			debits++
		}
	}
	if sum != 0 {
		t.Fatalf("ledger sum = %d, want 0", sum)
	}
	if debits != applied {
		t.Fatalf("debit transactions = %d, want %d", debits, applied)
	}
}

func TestRedeem_ConcurrentSingleWinner(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	users := make([]int64, 8)
	for i := range users {
		users[i] = seedUser(t, repo, fmt.Sprintf("user-%d", i))
	}

	codes, err := svc.GenerateBatch(ctx, 1, model.CreditPayload{UniversalCredits: 50}, "GIFT", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	winners := make(chan int64, len(users))

	for _, id := range users {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			if _, err := svc.Redeem(ctx, codes[0].Code, userID); err != nil {
				errs <- err
				return
			}
			winners <- userID
		}(id)
	}
	wg.Wait()
	close(errs)
	close(winners)

	if len(winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winners))
	}
	for err := range errs {
		if !errors.Is(err, repository.ErrCodeAlreadyUsed) {
			t.Fatalf("loser error = %v, want ErrCodeAlreadyUsed", err)
		}
	}

	winner := <-winners
	var total int64
	for _, id := range users {
		b, err := svc.GetBalance(ctx, id)
		if err != nil {
			t.Fatalf("GetBalance error: %v", err)
		}
		if id != winner && b.UniversalCredits != 0 {
			t.Fatalf("loser %d got %d credits, want 0", id, b.UniversalCredits)
		}
		total += b.UniversalCredits
	}
	if total != 50 {
		t.Fatalf("total credited = %d, want 50 (exactly one activation)", total)
	}

	redeems := 0
	for _, tr := range repo.transactions {
		if tr.Reason == model.ReasonRedeem {
			redeems++
		}
	}
	if redeems != 1 {
		t.Fatalf("redeem transactions = %d, want 1", redeems)
	}
}

func TestPurchase_Idempotent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "reader")
	if _, err := svc.AdminAdjust(ctx, user, "article", 2, "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	first, created, err := svc.Purchase(ctx, user, "articleY", model.ResourceArticle, 0)
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if !created {
		t.Fatalf("first purchase must create a grant")
	}

	second, created, err := svc.Purchase(ctx, user, "articleY", model.ResourceArticle, 0)
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if created {
		t.Fatalf("second purchase must not create a grant")
	}
	if second.ID != first.ID {
		t.Fatalf("second purchase returned a different grant")
	}

	b, _ := svc.GetBalance(ctx, user)
	if b.ArticleCredits != 1 {
		t.Fatalf("ArticleCredits = %d, want 1 (charged exactly once)", b.ArticleCredits)
	}

	debits := 0
	for _, tr := range repo.transactions {
		if tr.Reason == model.ReasonConsumeArticle && tr.Reference == "articleY" {
			debits++
		}
	}
	if debits != 1 {
		t.Fatalf("debit transactions = %d, want 1", debits)
	}
}

func TestPurchase_InsufficientLeavesNoGrant(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "broke")

	_, _, err := svc.Purchase(ctx, user, "articleY", model.ResourceArticle, 0)
	if !errors.Is(err, repository.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	grant, _, err := svc.CheckAccess(ctx, user, "articleY", model.ResourceArticle)
	if err != nil {
		t.Fatalf("CheckAccess error: %v", err)
	}
	if grant != nil {
		t.Fatalf("grant must not exist after failed purchase")
	}

	if len(repo.transactions) != 0 {
		t.Fatalf("transactions = %d, want 0", len(repo.transactions))
	}
}

func TestPurchase_CourseRequiresPrice(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, _, err := svc.Purchase(context.Background(), 1, "courseZ", model.ResourceCourse, 0)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPurchase_CourseDrawsUniversalCredits(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "student")
	if _, err := svc.AdminAdjust(ctx, user, "universal", 100, "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	_, created, err := svc.Purchase(ctx, user, "courseZ", model.ResourceCourse, 40)
	if err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	if !created {
		t.Fatalf("expected grant creation")
	}

	b, _ := svc.GetBalance(ctx, user)
	if b.UniversalCredits != 60 {
		t.Fatalf("UniversalCredits = %d, want 60", b.UniversalCredits)
	}
}

func TestAdminAdjust_BoundaryDebitAtZero(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "zero")

	_, err := svc.AdminAdjust(ctx, user, "universal", -1, "correction")
	if !errors.Is(err, repository.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(repo.transactions) != 0 {
		t.Fatalf("failed debit must not produce a transaction, got %d", len(repo.transactions))
	}
}

func TestAdminAdjust_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	ctx := context.Background()

	if _, err := svc.AdminAdjust(ctx, 1, "gold", 5, ""); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("unknown kind: %v, want ErrInvalidKind", err)
	}
	if _, err := svc.AdminAdjust(ctx, 1, "universal", 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero delta: %v, want ErrInvalidAmount", err)
	}
}

func TestHistory_SumMatchesBalance(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "auditor")

	codes, err := svc.GenerateBatch(ctx, 1, model.CreditPayload{UniversalCredits: 100, VideoMinutes: 30}, "GIFT", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}
	if _, err := svc.Redeem(ctx, codes[0].Code, user); err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
	if _, err := svc.ConsumeVideoMinutes(ctx, user, "courseX", 12); err != nil {
		t.Fatalf("ConsumeVideoMinutes error: %v", err)
	}
	if _, _, err := svc.Purchase(ctx, user, "courseZ", model.ResourceCourse, 25); err != nil {
		t.Fatalf("Purchase error: %v", err)
	}

	sums := map[model.CreditKind]int64{}
	history, err := svc.GetHistory(ctx, user, 1, 100, "")
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	for _, tr := range history {
		sums[tr.Kind] += tr.Delta
	}

	b, _ := svc.GetBalance(ctx, user)
	if sums[model.KindUniversal] != b.UniversalCredits {
		t.Fatalf("universal sum %d != balance %d", sums[model.KindUniversal], b.UniversalCredits)
	}
	if sums[model.KindVideoMinutes] != b.VideoMinutes {
		t.Fatalf("video sum %d != balance %d", sums[model.KindVideoMinutes], b.VideoMinutes)
	}
	if sums[model.KindArticle] != b.ArticleCredits {
		t.Fatalf("article sum %d != balance %d", sums[model.KindArticle], b.ArticleCredits)
	}
}

func TestGetHistory_UnknownKind(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, err := svc.GetHistory(context.Background(), 1, 1, 10, "gold")
	if !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestLicenseReport_QuizDegradation(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	user := seedUser(t, repo, "student")

	quizCalls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quizCalls++
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}))
	defer ts.Close()

	svc := NewService(repo, quiz.NewClient(ts.URL), 1000, zap.NewNop())

	codes, err := svc.GenerateBatch(ctx, 1, model.CreditPayload{UniversalCredits: 100}, "LIC", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}
	if _, err := svc.Redeem(ctx, codes[0].Code, user); err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
	if _, _, err := svc.Purchase(ctx, user, "courseZ", model.ResourceCourse, 50); err != nil {
		t.Fatalf("Purchase error: %v", err)
	}

	rows, err := svc.LicenseReport(ctx, "", 1, 10)
	if err != nil {
		t.Fatalf("LicenseReport error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if quizCalls == 0 {
		t.Fatalf("quiz system was not consulted")
	}
	if len(rows[0].Quiz) != 1 || rows[0].Quiz[0].Status != "unavailable" {
		t.Fatalf("quiz result = %+v, want single unavailable entry", rows[0].Quiz)
	}
	if rows[0].Login != "student" || rows[0].Code != codes[0].Code {
		t.Fatalf("unexpected report row: %+v", rows[0])
	}
}

func TestLicenseReport_QuizThrottled(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	user := seedUser(t, repo, "student")

	statuses := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus string
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "5")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			// Троттлинг — не утверждение "попытки не было".
			wantStatus: "unavailable",
		},
		{
			name: "no attempt",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
			wantStatus: "not_attempted",
		},
	}

	setup := newTestService(repo)
	codes, err := setup.GenerateBatch(ctx, 1, model.CreditPayload{UniversalCredits: 100}, "LIC", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}
	if _, err := setup.Redeem(ctx, codes[0].Code, user); err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
	if _, _, err := setup.Purchase(ctx, user, "courseZ", model.ResourceCourse, 50); err != nil {
		t.Fatalf("Purchase error: %v", err)
	}

	for _, tt := range statuses {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			svc := NewService(repo, quiz.NewClient(ts.URL), 1000, zap.NewNop())
			rows, err := svc.LicenseReport(ctx, "", 1, 10)
			if err != nil {
				t.Fatalf("LicenseReport error: %v", err)
			}
			if len(rows) != 1 {
				t.Fatalf("rows = %d, want 1", len(rows))
			}
			if len(rows[0].Quiz) != 1 || rows[0].Quiz[0].Status != tt.wantStatus {
				t.Fatalf("quiz result = %+v, want single %q entry", rows[0].Quiz, tt.wantStatus)
			}
		})
	}
}

func TestLicenseReport_QuizScore(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	user := seedUser(t, repo, "student")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"course_id":"courseZ","status":"passed","score":91}`)
	}))
	defer ts.Close()

	svc := NewService(repo, quiz.NewClient(ts.URL), 1000, zap.NewNop())

	codes, err := svc.GenerateBatch(ctx, 1, model.CreditPayload{UniversalCredits: 100}, "LIC", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}
	if _, err := svc.Redeem(ctx, codes[0].Code, user); err != nil {
		t.Fatalf("Redeem error: %v", err)
	}
	if _, _, err := svc.Purchase(ctx, user, "courseZ", model.ResourceCourse, 50); err != nil {
		t.Fatalf("Purchase error: %v", err)
	}

	rows, err := svc.LicenseReport(ctx, "LIC", 1, 10)
	if err != nil {
		t.Fatalf("LicenseReport error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	q := rows[0].Quiz
	if len(q) != 1 || q[0].Status != "passed" || q[0].Score == nil || *q[0].Score != 91 {
		t.Fatalf("quiz result = %+v, want passed with score 91", q)
	}
}

func TestRevokeCode_BlocksRedeem(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	user := seedUser(t, repo, "user")

	codes, err := svc.GenerateBatch(ctx, 1, model.CreditPayload{UniversalCredits: 10}, "GIFT", nil)
	if err != nil {
		t.Fatalf("GenerateBatch error: %v", err)
	}

	if err := svc.RevokeCode(ctx, codes[0].Code); err != nil {
		t.Fatalf("RevokeCode error: %v", err)
	}

	if _, err := svc.Redeem(ctx, codes[0].Code, user); !errors.Is(err, repository.ErrCodeRevoked) {
		t.Fatalf("expected ErrCodeRevoked, got %v", err)
	}
}
