package notifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-tracker/internal/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) FindSubscriptionsForProduct(ctx context.Context, productID uuid.UUID, minTarget decimal.Decimal) ([]*models.PriceAlert, error) {
	args := m.Called(ctx, productID, minTarget)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PriceAlert), args.Error(1)
}

func (m *MockStore) DeleteSubscription(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, to, subject, body string) error {
	args := m.Called(ctx, to, subject, body)
	return args.Error(0)
}

func product(price string) *models.Product {
	return models.NewProduct("B0CHX1W1XY", "in", "Phone", nil, decimal.RequireFromString(price), time.Now())
}

func alert(p *models.Product, email, target string) *models.PriceAlert {
	return &models.PriceAlert{
		ID:          uuid.New(),
		ProductID:   p.ID,
		Email:       email,
		TargetPrice: decimal.RequireFromString(target),
	}
}

func newNotifier(store *MockStore, mailer *MockMailer) *Notifier {
	return New(store, mailer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifyPriceDrops(t *testing.T) {
	ctx := context.Background()
	p := product("999.00")

	exact := alert(p, "exact@example.com", "999")
	above := alert(p, "above@example.com", "1200")

	store := new(MockStore)
	store.On("FindSubscriptionsForProduct", ctx, p.ID, p.CurrentPrice).Return([]*models.PriceAlert{exact, above}, nil)
	store.On("DeleteSubscription", ctx, exact.ID).Return(true, nil).Once()
	store.On("DeleteSubscription", ctx, above.ID).Return(true, nil).Once()

	mailer := new(MockMailer)
	mailer.On("Send", ctx, "exact@example.com", "Price Drop Alert: Phone", mock.Anything).Return(nil).Once()
	mailer.On("Send", ctx, "above@example.com", "Price Drop Alert: Phone", mock.Anything).Return(nil).Once()

	sent, err := newNotifier(store, mailer).NotifyPriceDrops(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	store.AssertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestNotifyDeletesEvenWhenSendFails(t *testing.T) {
	ctx := context.Background()
	p := product("50")

	failing := alert(p, "failing@example.com", "60")
	ok := alert(p, "ok@example.com", "55")

	store := new(MockStore)
	store.On("FindSubscriptionsForProduct", ctx, p.ID, p.CurrentPrice).Return([]*models.PriceAlert{failing, ok}, nil)
	store.On("DeleteSubscription", ctx, failing.ID).Return(true, nil).Once()
	store.On("DeleteSubscription", ctx, ok.ID).Return(true, nil).Once()

	mailer := new(MockMailer)
	mailer.On("Send", ctx, "failing@example.com", mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()
	mailer.On("Send", ctx, "ok@example.com", mock.Anything, mock.Anything).Return(nil).Once()

	sent, err := newNotifier(store, mailer).NotifyPriceDrops(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	store.AssertNumberOfCalls(t, "DeleteSubscription", 2)
	mailer.AssertNumberOfCalls(t, "Send", 2)
}

func TestNotifyNeverSendsWithoutClaim(t *testing.T) {
	ctx := context.Background()
	p := product("50")

	stuck := alert(p, "stuck@example.com", "60")
	taken := alert(p, "taken@example.com", "60")

	store := new(MockStore)
	store.On("FindSubscriptionsForProduct", ctx, p.ID, p.CurrentPrice).Return([]*models.PriceAlert{stuck, taken}, nil)
	store.On("DeleteSubscription", ctx, stuck.ID).Return(false, errors.New("conn reset"))
	store.On("DeleteSubscription", ctx, taken.ID).Return(false, nil)

	mailer := new(MockMailer)

	sent, err := newNotifier(store, mailer).NotifyPriceDrops(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, sent)
	mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNotifyClaimsBeforeSending(t *testing.T) {
	ctx := context.Background()
	p := product("50")
	a := alert(p, "ada@example.com", "60")

	var order []string
	store := new(MockStore)
	store.On("FindSubscriptionsForProduct", ctx, p.ID, p.CurrentPrice).Return([]*models.PriceAlert{a}, nil)
	store.On("DeleteSubscription", ctx, a.ID).Run(func(mock.Arguments) { order = append(order, "delete") }).Return(true, nil).Once()

	mailer := new(MockMailer)
	mailer.On("Send", ctx, "ada@example.com", mock.Anything, mock.Anything).Run(func(mock.Arguments) { order = append(order, "send") }).Return(nil).Once()

	sent, err := newNotifier(store, mailer).NotifyPriceDrops(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"delete", "send"}, order)
}

func TestNotifySkipsAlertsAboveThePrice(t *testing.T) {
	ctx := context.Background()
	p := product("100")
	// a store that over-returns must not cause an email
	below := alert(p, "below@example.com", "99.99")

	store := new(MockStore)
	store.On("FindSubscriptionsForProduct", ctx, p.ID, p.CurrentPrice).Return([]*models.PriceAlert{below}, nil)
	mailer := new(MockMailer)

	sent, err := newNotifier(store, mailer).NotifyPriceDrops(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, sent)
	mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "DeleteSubscription", mock.Anything, mock.Anything)
}

func TestNotifyLookupFailure(t *testing.T) {
	ctx := context.Background()
	p := product("100")

	store := new(MockStore)
	store.On("FindSubscriptionsForProduct", ctx, p.ID, p.CurrentPrice).Return(nil, errors.New("db down"))

	_, err := newNotifier(store, new(MockMailer)).NotifyPriceDrops(ctx, p)
	assert.Error(t, err)
}

func TestBody(t *testing.T) {
	p := product("1299.99")
	body := Body(p, alert(p, "a@example.com", "1500"))

	assert.Contains(t, body, `"Phone"`)
	assert.Contains(t, body, "₹1299.99")
	assert.Contains(t, body, "₹1500.00")
	assert.Contains(t, body, "https://www.amazon.in/dp/B0CHX1W1XY")
	assert.Equal(t, "Price Drop Alert: Phone", Subject(p))
}
