package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"replenishment-engine/internal/models"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// MemoryStore is a process-local Store for tests and single-instance demos
type MemoryStore struct {
	mu sync.RWMutex

	products  map[int64]models.Product
	locations map[int64]models.LocationRef
	inactive  map[int64]bool
	stock     map[models.StockKey]*models.LocationStock
	history   map[models.StockKey][]models.ConsumptionSample
	ledger    map[string]models.Mutation
	decisions map[string]memDecision
	reports   []models.RunReport
	events    map[string]string

	// injected failures
	failErr        error
	failCount      int
	writeErr       error
	writeFailCount int
}

type memDecision struct {
	runID    string
	decision models.Decision
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  make(map[int64]models.Product),
		locations: make(map[int64]models.LocationRef),
		inactive:  make(map[int64]bool),
		stock:     make(map[models.StockKey]*models.LocationStock),
		history:   make(map[models.StockKey][]models.ConsumptionSample),
		ledger:    make(map[string]models.Mutation),
		decisions: make(map[string]memDecision),
		events:    make(map[string]string),
	}
}

// PutProduct inserts or replaces a catalog product
func (s *MemoryStore) PutProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutLocation inserts or replaces an active location
func (s *MemoryStore) PutLocation(l models.LocationRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.ID] = l
	delete(s.inactive, l.ID)
}

// DeactivateLocation hides a location from GetActiveLocations
func (s *MemoryStore) DeactivateLocation(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inactive[id] = true
}

// PutStock inserts or replaces a stock row
func (s *MemoryStore) PutStock(st models.LocationStock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := st
	s.stock[st.Key()] = &row
}

// AddSamples appends consumption samples
func (s *MemoryStore) AddSamples(samples ...models.ConsumptionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		key := models.StockKey{ProductID: sample.ProductID, LocationID: sample.LocationID}
		s.history[key] = append(s.history[key], sample)
	}
}

// FailReads makes the next n read calls return err
func (s *MemoryStore) FailReads(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount, s.failErr = n, err
}

func (s *MemoryStore) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount <= 0 {
		return nil
	}
	s.failCount--
	return s.failErr
}

// FailWrites makes the next n ApplyMutation calls return err without applying anything
func (s *MemoryStore) FailWrites(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeFailCount, s.writeErr = n, err
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetProducts(ctx context.Context) ([]models.Product, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetActiveLocations(ctx context.Context) ([]models.LocationRef, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LocationRef, 0, len(s.locations))
	for id, l := range s.locations {
		if !s.inactive[id] {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListStock(ctx context.Context) ([]models.LocationStock, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LocationStock, 0, len(s.stock))
	for _, row := range s.stock {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

func (s *MemoryStore) GetCurrentStock(ctx context.Context, productID, locationID int64) (*models.LocationStock, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.stock[models.StockKey{ProductID: productID, LocationID: locationID}]
	if !ok {
		return nil, fmt.Errorf("stock %d:%d: %w", productID, locationID, models.ErrNotFound)
	}
	out := *row
	return &out, nil
}

func (s *MemoryStore) GetConsumptionHistory(ctx context.Context, productID, locationID int64, since time.Time) ([]models.ConsumptionSample, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConsumptionSample
	for _, sample := range s.history[models.StockKey{ProductID: productID, LocationID: locationID}] {
		if !sample.Date.Before(since) {
			out = append(out, sample)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *MemoryStore) ApplyMutation(ctx context.Context, m *models.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeFailCount > 0 {
		s.writeFailCount--
		return s.writeErr
	}

	if _, ok := s.ledger[m.DecisionID]; ok {
		return fmt.Errorf("decision %s: %w", m.DecisionID, models.ErrAlreadyApplied)
	}
	if m.AppliedAt.IsZero() {
		m.AppliedAt = time.Now().UTC()
	}

	switch m.Kind {
	case models.MutationOnOrder:
		row, err := s.row(m.ProductID, m.ToLocationID)
		if err != nil {
			return err
		}
		if err := CheckOnOrder(row, m.Quantity); err != nil {
			return err
		}
		row.OnOrderQuantity += m.Quantity
		row.LastUpdated = m.AppliedAt

	case models.MutationTransfer:
		from, err := s.row(m.ProductID, m.FromLocationID)
		if err != nil {
			return err
		}
		to, err := s.row(m.ProductID, m.ToLocationID)
		if err != nil {
			return err
		}
		if err := CheckTransfer(from, to, m.Quantity); err != nil {
			return err
		}
		from.CurrentQuantity -= m.Quantity
		to.CurrentQuantity += m.Quantity
		from.LastUpdated, to.LastUpdated = m.AppliedAt, m.AppliedAt

	case models.MutationNone:
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}

	s.ledger[m.DecisionID] = *m
	return nil
}

func (s *MemoryStore) RevertMutation(ctx context.Context, decisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.ledger[decisionID]
	if !ok {
		return fmt.Errorf("mutation %s: %w", decisionID, models.ErrNotFound)
	}

	switch m.Kind {
	case models.MutationOnOrder:
		if row, err := s.row(m.ProductID, m.ToLocationID); err == nil {
			row.OnOrderQuantity -= m.Quantity
			if row.OnOrderQuantity < 0 {
				row.OnOrderQuantity = 0
			}
		}
	case models.MutationTransfer:
		from, ferr := s.row(m.ProductID, m.FromLocationID)
		to, terr := s.row(m.ProductID, m.ToLocationID)
		if ferr == nil && terr == nil {
			qty := m.Quantity
			if to.CurrentQuantity < qty {
				qty = to.CurrentQuantity
			}
			to.CurrentQuantity -= qty
			from.CurrentQuantity += qty
		}
	}

	delete(s.ledger, decisionID)
	return nil
}

func (s *MemoryStore) GetMutation(ctx context.Context, decisionID string) (*models.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.ledger[decisionID]
	if !ok {
		return nil, fmt.Errorf("mutation %s: %w", decisionID, models.ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ConsumeStock(ctx context.Context, productID, locationID int64, quantity int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.row(productID, locationID)
	if err != nil {
		return 0, err
	}
	applied := quantity
	if row.CurrentQuantity < applied {
		applied = row.CurrentQuantity
	}
	row.CurrentQuantity -= applied
	row.LastUpdated = at

	key := row.Key()
	s.history[key] = append(s.history[key], models.ConsumptionSample{
		ProductID:  productID,
		LocationID: locationID,
		Date:       at.UTC().Truncate(24 * time.Hour),
		Quantity:   float64(applied),
	})
	return applied, nil
}

func (s *MemoryStore) ReceiveStock(ctx context.Context, productID, locationID int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.row(productID, locationID)
	if err != nil {
		return err
	}
	row.CurrentQuantity += quantity
	row.OnOrderQuantity -= quantity
	if row.OnOrderQuantity < 0 {
		row.OnOrderQuantity = 0
	}
	row.LastUpdated = time.Now().UTC()
	return nil
}

func (s *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = eventType
	}
	return nil
}

func (s *MemoryStore) SaveDecision(ctx context.Context, runID string, d *models.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ID] = memDecision{runID: runID, decision: *d}
	return nil
}

func (s *MemoryStore) GetDecision(ctx context.Context, id string) (*models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, models.ErrNotFound)
	}
	d := md.decision
	return &d, nil
}

func (s *MemoryStore) ListDecisions(ctx context.Context, runID string) ([]*models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Decision
	for _, md := range s.decisions {
		if md.runID == runID {
			d := md.decision
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SaveRunReport(ctx context.Context, r *models.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, *r)
	return nil
}

func (s *MemoryStore) GetLastRunReport(ctx context.Context) (*models.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.reports) == 0 {
		return nil, fmt.Errorf("run report: %w", models.ErrNotFound)
	}
	last := s.reports[0]
	for _, r := range s.reports[1:] {
		if !r.FinishedAt.Before(last.FinishedAt) {
			last = r
		}
	}
	return &last, nil
}

// row must be called with mu held
func (s *MemoryStore) row(productID, locationID int64) (*models.LocationStock, error) {
	row, ok := s.stock[models.StockKey{ProductID: productID, LocationID: locationID}]
	if !ok {
		return nil, fmt.Errorf("stock %d:%d: %w", productID, locationID, models.ErrNotFound)
	}
	return row, nil
}
