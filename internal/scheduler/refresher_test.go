package scheduler

import (
	"context"
	"encoding/json"
	"errors"
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

type MockProducts struct {
	mock.Mock
}

func (m *MockProducts) FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Product), args.Error(1)
}

func (m *MockProducts) SaveProduct(ctx context.Context, p *models.Product, events ...*database.OutboxEvent) error {
	args := m.Called(ctx, p, events)
	return args.Error(0)
}

type MockScraper struct {
	mock.Mock
}

func (m *MockScraper) ScrapePriceOnly(ctx context.Context, url string) (*scraper.Result, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scraper.Result), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyPriceDrops(ctx context.Context, p *models.Product) (int, error) {
	args := m.Called(ctx, p)
	return args.Int(0), args.Error(1)
}

var refreshNow = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

// trackedProduct has one entry older than the retention window, one exactly
// at its edge and one recent.
func trackedProduct() *models.Product {
	p := models.NewProduct("B0CHX1W1XY", "de", "Phone", nil, decimal.RequireFromString("120.00"), refreshNow.Add(-20*24*time.Hour))
	p.RecordPrice(decimal.RequireFromString("110.00"), refreshNow.Add(-models.DefaultHistoryRetention))
	p.RecordPrice(decimal.RequireFromString("100.00"), refreshNow.Add(-time.Hour))
	return p
}

func newRefresher(products *MockProducts, s *MockScraper, n *MockNotifier) *PriceRefresher {
	r := NewPriceRefresher(products, s, n, models.DefaultHistoryRetention, discardLogger())
	r.now = func() time.Time { return refreshNow }
	return r
}

func TestHandleTickRecordsPriceAndNotifies(t *testing.T) {
	ctx := context.Background()
	p := trackedProduct()

	products := new(MockProducts)
	products.On("FindProduct", ctx, p.ID).Return(p, nil)
	products.On("SaveProduct", ctx, p, mock.MatchedBy(func(events []*database.OutboxEvent) bool {
		if len(events) != 1 || events[0].EventType != "PRICE_UPDATED" {
			return false
		}
		var payload map[string]any
		return json.Unmarshal(events[0].Payload, &payload) == nil && payload["price"] == "89.99"
	})).Return(nil)

	s := new(MockScraper)
	s.On("ScrapePriceOnly", ctx, "https://www.amazon.de/dp/B0CHX1W1XY").
		Return(&scraper.Result{Price: decimal.RequireFromString("89.99")}, nil)

	n := new(MockNotifier)
	n.On("NotifyPriceDrops", ctx, p).Return(1, nil)

	require.NoError(t, newRefresher(products, s, n).HandleTick(ctx, p.ID))

	assert.True(t, p.CurrentPrice.Equal(decimal.RequireFromString("89.99")))
	require.Len(t, p.PriceHistory, 3)
	last := p.PriceHistory[len(p.PriceHistory)-1]
	assert.True(t, last.Price.Equal(p.CurrentPrice))
	assert.Equal(t, refreshNow, last.Timestamp)

	cutoff := refreshNow.Add(-models.DefaultHistoryRetention)
	for i, point := range p.PriceHistory {
		assert.False(t, point.Timestamp.Before(cutoff))
		assert.False(t, point.Timestamp.After(refreshNow))
		if i > 0 {
			assert.False(t, point.Timestamp.Before(p.PriceHistory[i-1].Timestamp))
		}
	}

	products.AssertExpectations(t)
	n.AssertExpectations(t)
}

func TestHandleTickScrapeFailureLeavesProductUntouched(t *testing.T) {
	for _, kind := range []apperrors.Kind{apperrors.NavigationTimeout, apperrors.PriceNotFound, apperrors.LaunchFailure} {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			p := trackedProduct()
			before := len(p.PriceHistory)

			products := new(MockProducts)
			products.On("FindProduct", ctx, p.ID).Return(p, nil)
			s := new(MockScraper)
			s.On("ScrapePriceOnly", ctx, mock.Anything).Return(nil, apperrors.New(kind, "failed"))
			n := new(MockNotifier)

			err := newRefresher(products, s, n).HandleTick(ctx, p.ID)
			assert.True(t, errors.Is(err, kind))

			assert.Len(t, p.PriceHistory, before)
			assert.True(t, p.CurrentPrice.Equal(decimal.RequireFromString("100.00")))
			products.AssertNotCalled(t, "SaveProduct", mock.Anything, mock.Anything, mock.Anything)
			n.AssertNotCalled(t, "NotifyPriceDrops", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleTickPersistenceFailureSkipsNotify(t *testing.T) {
	ctx := context.Background()
	p := trackedProduct()

	products := new(MockProducts)
	products.On("FindProduct", ctx, p.ID).Return(p, nil)
	products.On("SaveProduct", ctx, p, mock.Anything).
		Return(apperrors.New(apperrors.PersistenceFailure, "connection reset"))
	s := new(MockScraper)
	s.On("ScrapePriceOnly", ctx, mock.Anything).Return(&scraper.Result{Price: decimal.NewFromInt(50)}, nil)
	n := new(MockNotifier)

	err := newRefresher(products, s, n).HandleTick(ctx, p.ID)
	assert.True(t, apperrors.Is(err, apperrors.PersistenceFailure))
	n.AssertNotCalled(t, "NotifyPriceDrops", mock.Anything, mock.Anything)
}

func TestHandleTickNotifierFailureIsNotATickFailure(t *testing.T) {
	ctx := context.Background()
	p := trackedProduct()

	products := new(MockProducts)
	products.On("FindProduct", ctx, p.ID).Return(p, nil)
	products.On("SaveProduct", ctx, p, mock.Anything).Return(nil)
	s := new(MockScraper)
	s.On("ScrapePriceOnly", ctx, mock.Anything).Return(&scraper.Result{Price: decimal.NewFromInt(50)}, nil)
	n := new(MockNotifier)
	n.On("NotifyPriceDrops", ctx, p).Return(0, errors.New("db down"))

	assert.NoError(t, newRefresher(products, s, n).HandleTick(ctx, p.ID))
}

func TestHandleTickMissingProduct(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	products := new(MockProducts)
	products.On("FindProduct", ctx, id).Return(nil, apperrors.New(apperrors.NotFound, "gone"))
	s := new(MockScraper)

	err := newRefresher(products, s, new(MockNotifier)).HandleTick(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.NotFound))
	assert.ErrorIs(t, err, ErrJobGone)
	s.AssertNotCalled(t, "ScrapePriceOnly", mock.Anything, mock.Anything)
}

func TestHandleTickLoadFailureKeepsJob(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	products := new(MockProducts)
	products.On("FindProduct", ctx, id).Return(nil, apperrors.New(apperrors.PersistenceFailure, "conn refused"))

	err := newRefresher(products, new(MockScraper), new(MockNotifier)).HandleTick(ctx, id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobGone)
}
