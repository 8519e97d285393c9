package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"konveksi/backend/internal/domain"
	"konveksi/backend/internal/store"
	"konveksi/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	workOrders      map[string]domain.WorkOrder
	products        map[string]domain.Product
	skus            map[string]domain.SKU
	inventoryLogs   []domain.InventoryLog
	settings        *domain.ThroughputSettings
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		workOrders:      make(map[string]domain.WorkOrder),
		products:        make(map[string]domain.Product),
		skus:            make(map[string]domain.SKU),
		inventoryLogs:   make([]domain.InventoryLog, 0, 64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo operator accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD; unset values fall back to
// dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		zap.L().Named("memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"operator", operatorPwd, "operator"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			zap.L().Named("memory-store").Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intPtr(v int) *int { return &v }

// NewSeeded returns a store with a small garment catalog, one SKU per size,
// and the dev operator accounts.
func NewSeeded() *Store {
	s := New()
	products := []domain.Product{
		{ID: "prd-kaos-polos", Code: "KAOS-01", Name: "Kaos Polos Cotton 30s", Category: "tshirt", Price: decimal.NewFromInt(65000), MinStock: 20, Active: true},
		{ID: "prd-kemeja-flanel", Code: "KMJ-02", Name: "Kemeja Flanel Kotak", Category: "shirt", Price: decimal.NewFromInt(185000), MinStock: 10, Active: true},
		{ID: "prd-hoodie", Code: "HOD-03", Name: "Hoodie Fleece Basic", Category: "outerwear", Price: decimal.NewFromInt(225000), MinStock: 8, Active: true},
		{ID: "prd-celana-chino", Code: "CHN-04", Name: "Celana Chino Slim", Category: "bottom", Price: decimal.NewFromInt(199000), MinStock: 0, Active: true},
	}
	now := time.Now().UTC()
	for _, p := range products {
		s.products[p.ID] = p
		for _, size := range []string{"S", "M", "L", "XL"} {
			sku := domain.SKU{
				ID:        "sku-" + strings.TrimPrefix(p.ID, "prd-") + "-" + strings.ToLower(size),
				ProductID: p.ID,
				Size:      size,
				Barcode:   xid.Barcode(),
				Stock:     40,
				CreatedAt: now,
			}
			if p.ID == "prd-kaos-polos" && size == "M" {
				sku.ReorderThreshold = intPtr(30)
				sku.ReorderTarget = intPtr(80)
			}
			s.skus[sku.ID] = sku
		}
	}
	s.usersByUsername = seedUsers()
	return s
}

type snapshot struct {
	workOrders map[string]domain.WorkOrder
	skus       map[string]domain.SKU
	logLen     int
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		workOrders: maps.Clone(s.workOrders),
		skus:       maps.Clone(s.skus),
		logLen:     len(s.inventoryLogs),
	}
	if err := fn(&memTx{s: s}); err != nil {
		s.workOrders = snap.workOrders
		s.skus = snap.skus
		s.inventoryLogs = s.inventoryLogs[:snap.logLen]
		return err
	}
	return nil
}

func (s *Store) GetWorkOrder(_ context.Context, id string) (*domain.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wo, exists := s.workOrders[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyWO := cloneWorkOrder(wo)
	return &copyWO, nil
}

func (s *Store) ListWorkOrders(_ context.Context, filter domain.WorkOrderFilter) ([]domain.WorkOrder, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))
	result := make([]domain.WorkOrder, 0, len(s.workOrders))
	for _, wo := range s.workOrders {
		if filter.Status != "" && wo.Status != filter.Status {
			continue
		}
		if filter.Source != "" && wo.Source != filter.Source {
			continue
		}
		if filter.Expedite != nil && wo.Expedite != *filter.Expedite {
			continue
		}
		if keyword != "" && !s.matchesKeyword(wo, keyword) {
			continue
		}
		result = append(result, cloneWorkOrder(wo))
	}
	slices.SortFunc(result, func(a, b domain.WorkOrder) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	total := len(result)
	offset := (filter.Page - 1) * filter.PageSize
	if offset >= total {
		return []domain.WorkOrder{}, total, nil
	}
	end := offset + filter.PageSize
	if end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func (s *Store) matchesKeyword(wo domain.WorkOrder, keyword string) bool {
	if strings.Contains(strings.ToLower(wo.OrderNo), keyword) || strings.Contains(strings.ToLower(wo.Remark), keyword) {
		return true
	}
	for _, line := range wo.Lines {
		product, ok := s.products[line.ProductID]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(product.Name), keyword) || strings.Contains(strings.ToLower(product.Code), keyword) {
			return true
		}
	}
	return false
}

func (s *Store) ListWorkOrdersByStatus(_ context.Context, status domain.WorkOrderStatus) ([]domain.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workOrdersByStatus(status), nil
}

func (s *Store) workOrdersByStatus(status domain.WorkOrderStatus) []domain.WorkOrder {
	result := make([]domain.WorkOrder, 0, 8)
	for _, wo := range s.workOrders {
		if wo.Status == status {
			result = append(result, cloneWorkOrder(wo))
		}
	}
	slices.SortFunc(result, func(a, b domain.WorkOrder) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

func (s *Store) BackfillProductionTimes(_ context.Context, id string, startedAt time.Time, expectedFinishAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, exists := s.workOrders[id]
	if !exists {
		return store.ErrNotFound
	}
	if wo.ProductionStartedAt == nil {
		wo.ProductionStartedAt = &startedAt
	}
	if wo.ExpectedFinishAt == nil {
		wo.ExpectedFinishAt = &expectedFinishAt
	}
	s.workOrders[id] = wo
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.product(id)
}

func (s *Store) product(id string) (*domain.Product, error) {
	p, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListSKUs(_ context.Context, productID string) ([]domain.SKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SKU, 0, 8)
	for _, sku := range s.skus {
		if productID != "" && sku.ProductID != productID {
			continue
		}
		result = append(result, cloneSKU(sku))
	}
	slices.SortFunc(result, func(a, b domain.SKU) int {
		if a.ProductID == b.ProductID {
			return strings.Compare(a.Size, b.Size)
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return result, nil
}

func (s *Store) GetSKU(_ context.Context, id string) (*domain.SKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sku(id)
}

func (s *Store) sku(id string) (*domain.SKU, error) {
	sku, exists := s.skus[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySKU := cloneSKU(sku)
	return &copySKU, nil
}

func (s *Store) FindSKU(_ context.Context, productID string, size string) (*domain.SKU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findSKU(productID, size)
}

func (s *Store) findSKU(productID string, size string) (*domain.SKU, error) {
	size = normalizeSize(size)
	for _, sku := range s.skus {
		if sku.ProductID == productID && normalizeSize(sku.Size) == size {
			copySKU := cloneSKU(sku)
			return &copySKU, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListInventoryLogs(_ context.Context, skuID string, limit int) ([]domain.InventoryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryLog, 0, 32)
	for i := len(s.inventoryLogs) - 1; i >= 0; i-- {
		entry := s.inventoryLogs[i]
		if skuID != "" && entry.SKUID != skuID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetThroughputSettings(_ context.Context) (*domain.ThroughputSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, store.ErrNotFound
	}
	copySettings := *s.settings
	return &copySettings, nil
}

func (s *Store) SaveThroughputSettings(_ context.Context, settings domain.ThroughputSettings) error {
	if settings.DailyCapacity < 1 || settings.WorkHoursPerDay < 1 {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 16)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "operator"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// memTx runs with Store.mu held for writing.
type memTx struct {
	s *Store
}

func (t *memTx) CreateWorkOrder(_ context.Context, wo domain.WorkOrder) (*domain.WorkOrder, error) {
	if len(wo.Lines) == 0 || !wo.Status.Valid() {
		return nil, store.ErrInvalidInput
	}
	if wo.ID == "" {
		wo.ID = xid.New("wo")
	}
	if _, exists := t.s.workOrders[wo.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if wo.CreatedAt.IsZero() {
		wo.CreatedAt = time.Now().UTC()
	}
	if wo.UpdatedAt.IsZero() {
		wo.UpdatedAt = wo.CreatedAt
	}
	for _, line := range wo.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		if _, exists := t.s.products[line.ProductID]; !exists {
			return nil, store.ErrNotFound
		}
	}
	if wo.Status == domain.StatusInProduction && t.s.hasOtherInProduction(wo.ID) {
		return nil, store.ErrContention
	}

	t.s.workOrders[wo.ID] = cloneWorkOrder(wo)
	saved := cloneWorkOrder(wo)
	return &saved, nil
}

func (t *memTx) LockWorkOrder(_ context.Context, id string) (*domain.WorkOrder, error) {
	wo, exists := t.s.workOrders[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyWO := cloneWorkOrder(wo)
	return &copyWO, nil
}

func (t *memTx) LockInProduction(_ context.Context) (*domain.WorkOrder, error) {
	running := t.s.workOrdersByStatus(domain.StatusInProduction)
	if len(running) == 0 {
		return nil, nil
	}
	return &running[0], nil
}

func (t *memTx) ListWorkOrdersByStatus(_ context.Context, status domain.WorkOrderStatus) ([]domain.WorkOrder, error) {
	return t.s.workOrdersByStatus(status), nil
}

func (t *memTx) UpdateWorkOrder(_ context.Context, wo domain.WorkOrder) error {
	existing, exists := t.s.workOrders[wo.ID]
	if !exists {
		return store.ErrNotFound
	}
	if !wo.Status.Valid() {
		return store.ErrInvalidInput
	}
	if wo.Status == domain.StatusInProduction && t.s.hasOtherInProduction(wo.ID) {
		return store.ErrContention
	}
	wo.Lines = existing.Lines
	wo.CreatedAt = existing.CreatedAt
	if wo.UpdatedAt.IsZero() {
		wo.UpdatedAt = time.Now().UTC()
	}
	t.s.workOrders[wo.ID] = cloneWorkOrder(wo)
	return nil
}

func (t *memTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return t.s.product(id)
}

func (t *memTx) GetSKU(_ context.Context, id string) (*domain.SKU, error) {
	return t.s.sku(id)
}

func (t *memTx) FindSKU(_ context.Context, productID string, size string) (*domain.SKU, error) {
	return t.s.findSKU(productID, size)
}

func (t *memTx) CreateSKU(_ context.Context, sku domain.SKU) (*domain.SKU, error) {
	if sku.ProductID == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := t.s.products[sku.ProductID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, err := t.s.findSKU(sku.ProductID, sku.Size); err == nil {
		return nil, store.ErrInvalidInput
	}
	if sku.ID == "" {
		sku.ID = xid.New("sku")
	}
	if sku.CreatedAt.IsZero() {
		sku.CreatedAt = time.Now().UTC()
	}
	t.s.skus[sku.ID] = cloneSKU(sku)
	saved := cloneSKU(sku)
	return &saved, nil
}

func (t *memTx) AdjustSKUStock(_ context.Context, skuID string, delta int) (int, error) {
	sku, exists := t.s.skus[skuID]
	if !exists {
		return 0, store.ErrNotFound
	}
	next := sku.Stock + delta
	if next < 0 {
		return 0, store.ErrInvalidInput
	}
	sku.Stock = next
	t.s.skus[skuID] = sku
	return next, nil
}

func (t *memTx) AppendInventoryLog(_ context.Context, entry domain.InventoryLog) error {
	if entry.SKUID == "" || entry.Type == "" {
		return store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = xid.New("invlog")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.s.inventoryLogs = append(t.s.inventoryLogs, entry)
	return nil
}

func (s *Store) hasOtherInProduction(id string) bool {
	for _, wo := range s.workOrders {
		if wo.ID != id && wo.Status == domain.StatusInProduction {
			return true
		}
	}
	return false
}

func normalizeSize(size string) string {
	return strings.ToUpper(strings.TrimSpace(size))
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}

func cloneWorkOrder(src domain.WorkOrder) domain.WorkOrder {
	cloned := src
	cloned.Lines = slices.Clone(src.Lines)
	cloned.ProductionStartedAt = cloneTime(src.ProductionStartedAt)
	cloned.ExpectedFinishAt = cloneTime(src.ExpectedFinishAt)
	cloned.FinishedAt = cloneTime(src.FinishedAt)
	cloned.InboundAt = cloneTime(src.InboundAt)
	cloned.PausedRemainingMS = nil
	cloned.QueuePosition = 0
	return cloned
}

func cloneSKU(src domain.SKU) domain.SKU {
	cloned := src
	if src.ReorderThreshold != nil {
		v := *src.ReorderThreshold
		cloned.ReorderThreshold = &v
	}
	if src.ReorderTarget != nil {
		v := *src.ReorderTarget
		cloned.ReorderTarget = &v
	}
	return cloned
}
