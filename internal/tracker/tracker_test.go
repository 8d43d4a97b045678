package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/scraper"
)

// memoryProducts enforces the (asin, domain) uniqueness the database does.
type memoryProducts struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.Product
	inserts int
	events  []*database.OutboxEvent
}

func newMemoryProducts() *memoryProducts {
	return &memoryProducts{byID: map[uuid.UUID]*models.Product{}}
}

func (m *memoryProducts) FindProduct(_ context.Context, id uuid.UUID) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byID[id]; ok {
		return p, nil
	}
	return nil, apperrors.New(apperrors.NotFound, "no product")
}

func (m *memoryProducts) FindProductBySite(_ context.Context, asin, domain string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bySite(asin, domain), nil
}

func (m *memoryProducts) ListProducts(_ context.Context) ([]*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Product, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	return out, nil
}

func (m *memoryProducts) bySite(asin, domain string) *models.Product {
	for _, p := range m.byID {
		if p.ASIN == asin && p.Domain == domain {
			return p
		}
	}
	return nil
}

func (m *memoryProducts) InsertProduct(_ context.Context, p *models.Product, events ...*database.OutboxEvent) (*models.Product, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if existing := m.bySite(p.ASIN, p.Domain); existing != nil {
		return existing, false, nil
	}
	m.byID[p.ID] = p
	m.events = append(m.events, events...)
	return p, true, nil
}

type MockAlerts struct {
	mock.Mock
}

func (m *MockAlerts) CreateSubscription(ctx context.Context, a *models.PriceAlert) (*models.PriceAlert, error) {
	args := m.Called(ctx, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PriceAlert), args.Error(1)
}

type MockScraper struct {
	mock.Mock
}

func (m *MockScraper) ScrapeFull(ctx context.Context, url string) (*scraper.Result, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scraper.Result), args.Error(1)
}

type MockJobs struct {
	mock.Mock
}

func (m *MockJobs) Register(ctx context.Context, productID uuid.UUID) error {
	args := m.Called(ctx, productID)
	return args.Error(0)
}

const phoneURL = "https://www.amazon.in/Some-Phone/dp/B0CHX1W1XY/ref=sr_1_1?th=1"

func phoneResult() *scraper.Result {
	image := "/uploads/B0CHX1W1XY-1.jpg"
	return &scraper.Result{
		ASIN:   "B0CHX1W1XY",
		Domain: "in",
		URL:    "https://www.amazon.in/dp/B0CHX1W1XY",
		Title:  "Phone",
		Price:  decimal.RequireFromString("1299.99"),
		Image:  &image,
	}
}

func newTestService(products ProductStore, alerts *MockAlerts, s *MockScraper, jobs *MockJobs) *Service {
	svc := NewService(products, alerts, s, jobs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestTrackNewProduct(t *testing.T) {
	ctx := context.Background()
	products := newMemoryProducts()

	s := new(MockScraper)
	s.On("ScrapeFull", mock.Anything, "https://www.amazon.in/dp/B0CHX1W1XY").Return(phoneResult(), nil).Once()
	jobs := new(MockJobs)
	jobs.On("Register", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()

	res, err := newTestService(products, new(MockAlerts), s, jobs).TrackProduct(ctx, TrackRequest{URL: phoneURL})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Nil(t, res.Alert)
	p := res.Product
	assert.Equal(t, "Phone", p.Title)
	assert.Equal(t, "https://www.amazon.in/dp/B0CHX1W1XY", p.URL)
	require.Len(t, p.PriceHistory, 1)
	assert.True(t, p.PriceHistory[0].Price.Equal(p.CurrentPrice))

	require.Len(t, products.events, 1)
	assert.Equal(t, "PRODUCT_TRACKED", products.events[0].EventType)

	s.AssertExpectations(t)
	jobs.AssertCalled(t, "Register", mock.Anything, p.ID)
}

func TestTrackExistingProductAttachesSubscriber(t *testing.T) {
	ctx := context.Background()
	products := newMemoryProducts()
	existing := models.NewProduct("B0CHX1W1XY", "in", "Phone", nil, decimal.NewFromInt(1000), time.Now())
	products.byID[existing.ID] = existing

	target := decimal.RequireFromString("899.5")
	alerts := new(MockAlerts)
	alerts.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(a *models.PriceAlert) bool {
		return a.ProductID == existing.ID && a.Email == "ada@example.com" && a.TargetPrice.Equal(target)
	})).Return(&models.PriceAlert{ID: uuid.New(), ProductID: existing.ID}, nil)

	s := new(MockScraper)
	jobs := new(MockJobs)

	res, err := newTestService(products, alerts, s, jobs).TrackProduct(ctx, TrackRequest{
		URL:         phoneURL,
		Email:       "ada@example.com",
		TargetPrice: &target,
	})
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.Equal(t, existing.ID, res.Product.ID)
	require.NotNil(t, res.Alert)
	assert.Zero(t, products.inserts)
	s.AssertNotCalled(t, "ScrapeFull", mock.Anything, mock.Anything)
	jobs.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}

func TestConcurrentTrackingCreatesOneProduct(t *testing.T) {
	ctx := context.Background()
	products := newMemoryProducts()

	release := make(chan struct{})
	s := new(MockScraper)
	s.On("ScrapeFull", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(phoneResult(), nil)
	jobs := new(MockJobs)
	jobs.On("Register", mock.Anything, mock.Anything).Return(nil)

	svc := newTestService(products, new(MockAlerts), s, jobs)

	const n = 8
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.TrackProduct(ctx, TrackRequest{URL: phoneURL})
			if assert.NoError(t, err) {
				ids[i] = res.Product.ID
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, products.byID, 1)
	jobs.AssertNumberOfCalls(t, "Register", 1)
}

func TestTrackRejectsBadInput(t *testing.T) {
	target := decimal.NewFromInt(10)
	zero := decimal.Zero

	tests := []struct {
		name string
		req  TrackRequest
		kind apperrors.Kind
	}{
		{name: "not amazon", req: TrackRequest{URL: "https://example.com/dp/B0CHX1W1XY"}, kind: apperrors.InvalidURL},
		{name: "no asin", req: TrackRequest{URL: "https://www.amazon.de/s?k=phone"}, kind: apperrors.InvalidURL},
		{name: "email without target", req: TrackRequest{URL: phoneURL, Email: "ada@example.com"}, kind: apperrors.InvalidInput},
		{name: "target without email", req: TrackRequest{URL: phoneURL, TargetPrice: &target}, kind: apperrors.InvalidInput},
		{name: "bad email", req: TrackRequest{URL: phoneURL, Email: "ada", TargetPrice: &target}, kind: apperrors.InvalidInput},
		{name: "zero target", req: TrackRequest{URL: phoneURL, Email: "ada@example.com", TargetPrice: &zero}, kind: apperrors.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := new(MockScraper)
			_, err := newTestService(newMemoryProducts(), new(MockAlerts), s, new(MockJobs)).TrackProduct(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.KindOf(err))
			s.AssertNotCalled(t, "ScrapeFull", mock.Anything, mock.Anything)
		})
	}
}

func TestTrackScrapeFailureStoresNothing(t *testing.T) {
	products := newMemoryProducts()
	s := new(MockScraper)
	s.On("ScrapeFull", mock.Anything, mock.Anything).Return(nil, apperrors.New(apperrors.PriceNotFound, "no price"))
	jobs := new(MockJobs)

	_, err := newTestService(products, new(MockAlerts), s, jobs).TrackProduct(context.Background(), TrackRequest{URL: phoneURL})
	assert.True(t, apperrors.Is(err, apperrors.PriceNotFound))
	assert.Empty(t, products.byID)
	jobs.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}

func TestTrackSchedulingFailureStillTracks(t *testing.T) {
	products := newMemoryProducts()
	s := new(MockScraper)
	s.On("ScrapeFull", mock.Anything, mock.Anything).Return(phoneResult(), nil)
	jobs := new(MockJobs)
	jobs.On("Register", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	res, err := newTestService(products, new(MockAlerts), s, jobs).TrackProduct(context.Background(), TrackRequest{URL: phoneURL})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestGetProduct(t *testing.T) {
	products := newMemoryProducts()
	p := models.NewProduct("B0CHX1W1XY", "in", "Phone", nil, decimal.NewFromInt(1), time.Now())
	products.byID[p.ID] = p
	svc := newTestService(products, new(MockAlerts), new(MockScraper), new(MockJobs))

	got, err := svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = svc.GetProduct(context.Background(), uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.NotFound))

	all, err := svc.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, p.ID, all[0].ID)
}

func TestSubscribeRoundsTarget(t *testing.T) {
	productID := uuid.New()
	alerts := new(MockAlerts)
	alerts.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(a *models.PriceAlert) bool {
		return a.TargetPrice.Equal(decimal.RequireFromString("10.13"))
	})).Return(&models.PriceAlert{ID: uuid.New(), ProductID: productID, TargetPrice: decimal.RequireFromString("10.13")}, nil)

	svc := newTestService(newMemoryProducts(), alerts, new(MockScraper), new(MockJobs))
	_, err := svc.Subscribe(context.Background(), productID, "ada@example.com", decimal.RequireFromString("10.125"), nil)
	require.NoError(t, err)
	alerts.AssertExpectations(t)
}
