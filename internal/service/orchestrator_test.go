package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/rookgm/orderflow/internal/models"
	"github.com/rookgm/orderflow/internal/repository/memory"
	"github.com/rookgm/orderflow/internal/service/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func unreachable(service string) error {
	return &models.UpstreamError{Service: service, Kind: models.KindUnreachable, Err: context.DeadlineExceeded}
}

func rejected(service string, code int, msg string) error {
	return &models.UpstreamError{Service: service, Kind: models.KindRejected, StatusCode: code, Message: msg}
}

func checkoutRequest() CheckoutRequest {
	return CheckoutRequest{
		CustomerID:   "u1",
		RestaurantID: "r1",
		DeliveryAddress: models.Address{
			Street: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701",
		},
		PaymentMethod: models.PaymentMethodCard,
		Email:         "u1@example.com",
	}
}

func cartOf(items ...models.CartItem) *models.Cart {
	return &models.Cart{UserID: "u1", Items: items}
}

// expectMenu sets up an active restaurant r1 with item A at 5.00
func expectMenu(gw *mocks.MockGateway) {
	gw.EXPECT().GetRestaurant(gomock.Any(), "r1").Return(&models.Restaurant{ID: "r1", Name: "Pizza Place", IsActive: true}, nil)
	gw.EXPECT().GetMenu(gomock.Any(), "r1").Return([]models.MenuItem{
		{ID: "A", Name: "Margherita", Price: dec("5.00"), IsAvailable: true},
		{ID: "B", Name: "Calzone", Price: dec("7.50"), IsAvailable: false},
	}, nil)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (p *fakePublisher) Publish(_ context.Context, ev models.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) list() []models.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StatusEvent(nil), p.events...)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func (l *fakeLocker) Acquire(_ context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, models.ErrConflict
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

func historyStatuses(o *models.Order) []models.Status {
	out := make([]models.Status, 0, len(o.History))
	for _, h := range o.History {
		out = append(out, h.Status)
	}
	return out
}

func TestOrchestrator_CheckoutPricesAtMenuAndInitiatesPayment(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	pub := &fakePublisher{}
	orch := NewOrchestrator(repo, gw,
		WithRetryPolicy(fastRetry),
		WithPublisher(pub),
		WithIDGenerator(func() string { return "o1" }))

	// client side price is stale, menu price wins
	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "A", Name: "Margherita", Price: dec("4.00"), Quantity: 2, RestaurantID: "r1"},
	), nil)
	expectMenu(gw)

	var payment models.PaymentRequest
	gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, pr models.PaymentRequest) (*models.PaymentIntent, error) {
			// the order exists in CREATED while payment is being initiated
			stored, err := repo.Get(ctx, pr.OrderID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCreated, stored.Status)

			payment = pr
			return &models.PaymentIntent{ID: "pay-1", TransactionID: "tx-1", Status: models.PaymentStatusPending}, nil
		})
	gw.EXPECT().ClearCart(gomock.Any(), "u1").Return(nil)

	res, err := orch.Checkout(context.Background(), checkoutRequest())
	require.NoError(t, err)
	require.NotNil(t, res.Order)

	order := res.Order
	assert.Equal(t, "o1", order.ID)
	assert.Equal(t, "10.00", order.Total.StringFixed(2))
	assert.Equal(t, models.StatusPaymentPending, order.Status)
	assert.Equal(t, []models.Status{models.StatusCreated, models.StatusPaymentPending}, historyStatuses(order))
	require.NotNil(t, order.PaymentRef)
	assert.Equal(t, "pay-1", *order.PaymentRef)
	assert.Empty(t, res.Warnings)
	assert.False(t, res.Replayed)

	want := []models.LineItem{{MenuItemID: "A", Name: "Margherita", Quantity: 2, UnitPrice: dec("5.00")}}
	if diff := cmp.Diff(want, order.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "o1", payment.OrderID)
	assert.Equal(t, "u1", payment.UserID)
	assert.Equal(t, "u1@example.com", payment.Email)
	assert.True(t, payment.Amount.Equal(dec("10")))

	services := make([]string, 0, len(res.Outcomes))
	for _, oc := range res.Outcomes {
		assert.Equal(t, models.CallSuccess, oc.Result)
		services = append(services, oc.Service)
	}
	assert.ElementsMatch(t, []string{"cart", "restaurant", "restaurant", "payment", "cart"}, services)

	events := pub.list()
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusCreated, events[0].From)
	assert.Equal(t, models.StatusPaymentPending, events[0].To)
}

func TestOrchestrator_CheckoutEmptyCart(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(), nil)

	res, err := orch.Checkout(context.Background(), checkoutRequest())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, err, models.ErrEmptyCart)

	orders, err := repo.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOrchestrator_CheckoutRejectsInvalidInputBeforeCalls(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *CheckoutRequest)
	}{
		{name: "missing_customer", modify: func(r *CheckoutRequest) { r.CustomerID = "" }},
		{name: "missing_restaurant", modify: func(r *CheckoutRequest) { r.RestaurantID = " " }},
		{name: "missing_street", modify: func(r *CheckoutRequest) { r.DeliveryAddress.Street = "" }},
		{name: "missing_zip", modify: func(r *CheckoutRequest) { r.DeliveryAddress.ZipCode = "" }},
		{name: "unknown_payment_method", modify: func(r *CheckoutRequest) { r.PaymentMethod = "BITCOIN" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			// no expectations: any gateway call fails the test
			gw := mocks.NewMockGateway(ctrl)
			orch := NewOrchestrator(memory.NewOrderRepository(), gw)

			req := checkoutRequest()
			tt.modify(&req)

			_, err := orch.Checkout(context.Background(), req)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestOrchestrator_CheckoutMenuValidation(t *testing.T) {
	tests := []struct {
		name       string
		item       models.CartItem
		restaurant *models.Restaurant
	}{
		{
			name: "item_not_on_menu",
			item: models.CartItem{ItemID: "Z", Quantity: 1, RestaurantID: "r1"},
		},
		{
			name: "item_unavailable",
			item: models.CartItem{ItemID: "B", Quantity: 1, RestaurantID: "r1"},
		},
		{
			name: "item_of_other_restaurant",
			item: models.CartItem{ItemID: "A", Quantity: 1, RestaurantID: "r2"},
		},
		{
			name: "zero_quantity",
			item: models.CartItem{ItemID: "A", Quantity: 0, RestaurantID: "r1"},
		},
		{
			name:       "restaurant_inactive",
			item:       models.CartItem{ItemID: "A", Quantity: 1, RestaurantID: "r1"},
			restaurant: &models.Restaurant{ID: "r1", IsActive: false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			gw := mocks.NewMockGateway(ctrl)
			repo := memory.NewOrderRepository()
			orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))

			restaurant := tt.restaurant
			if restaurant == nil {
				restaurant = &models.Restaurant{ID: "r1", IsActive: true}
			}
			gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(tt.item), nil)
			gw.EXPECT().GetRestaurant(gomock.Any(), "r1").Return(restaurant, nil)
			gw.EXPECT().GetMenu(gomock.Any(), "r1").Return([]models.MenuItem{
				{ID: "A", Name: "Margherita", Price: dec("5.00"), IsAvailable: true},
				{ID: "B", Name: "Calzone", Price: dec("7.50"), IsAvailable: false},
			}, nil)

			_, err := orch.Checkout(context.Background(), checkoutRequest())
			assert.ErrorIs(t, err, models.ErrValidation)

			orders, err := repo.ListByUser(context.Background(), "u1")
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestOrchestrator_CheckoutPaymentRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	pub := &fakePublisher{}
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry), WithPublisher(pub))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "A", Quantity: 1, RestaurantID: "r1"},
	), nil)
	expectMenu(gw)
	gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(nil, rejected("payment", 402, "card declined")).Times(1)

	res, err := orch.Checkout(context.Background(), checkoutRequest())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrUpstreamRejected)
	assert.False(t, models.IsRetryable(err))
	assert.Contains(t, err.Error(), "card declined")

	orders, err := repo.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, orders, 1)

	order := orders[0]
	assert.Equal(t, models.StatusPaymentFailed, order.Status)
	assert.Equal(t, []models.Status{models.StatusCreated, models.StatusPaymentFailed}, historyStatuses(&order))
	assert.Equal(t, "card declined", order.History[1].Reason)
	assert.Nil(t, order.PaymentRef)

	events := pub.list()
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusPaymentFailed, events[0].To)
}

func TestOrchestrator_CheckoutPaymentNotConfirmed(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{
			name:    "unreachable",
			err:     unreachable("payment"),
			wantErr: models.ErrUpstreamUnreachable,
		},
		{
			name:    "malformed",
			err:     &models.UpstreamError{Service: "payment", Kind: models.KindMalformed, StatusCode: 200},
			wantErr: models.ErrUpstreamMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			gw := mocks.NewMockGateway(ctrl)
			repo := memory.NewOrderRepository()
			orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))

			gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
				models.CartItem{ItemID: "A", Quantity: 1, RestaurantID: "r1"},
			), nil)
			expectMenu(gw)
			// payment initiation is never retried
			gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(nil, tt.err).Times(1)

			_, err := orch.Checkout(context.Background(), checkoutRequest())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, models.IsRetryable(err))

			orders, err := repo.ListByUser(context.Background(), "u1")
			require.NoError(t, err)
			require.Len(t, orders, 1)
			assert.Equal(t, models.StatusCreated, orders[0].Status)
			assert.Len(t, orders[0].History, 1)
		})
	}
}

func TestOrchestrator_CheckoutClearCartFailureIsWarning(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	orch := NewOrchestrator(memory.NewOrderRepository(), gw, WithRetryPolicy(fastRetry))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "A", Quantity: 3, RestaurantID: "r1"},
	), nil)
	expectMenu(gw)
	gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(&models.PaymentIntent{ID: "pay-1"}, nil)
	gw.EXPECT().ClearCart(gomock.Any(), "u1").Return(unreachable("cart"))

	res, err := orch.Checkout(context.Background(), checkoutRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentPending, res.Order.Status)
	assert.Equal(t, "15.00", res.Order.Total.StringFixed(2))
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "cart was not cleared")

	last := res.Outcomes[len(res.Outcomes)-1]
	assert.Equal(t, "cart", last.Service)
	assert.Equal(t, models.CallTimeout, last.Result)
}

func TestOrchestrator_CheckoutRetriesUnreachableReads(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	orch := NewOrchestrator(memory.NewOrderRepository(), gw, WithRetryPolicy(fastRetry))

	cart := cartOf(models.CartItem{ItemID: "A", Quantity: 1, RestaurantID: "r1"})
	gomock.InOrder(
		gw.EXPECT().GetCart(gomock.Any(), "u1").Return(nil, unreachable("cart")).Times(2),
		gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cart, nil),
	)
	expectMenu(gw)
	gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(&models.PaymentIntent{ID: "pay-1"}, nil)
	gw.EXPECT().ClearCart(gomock.Any(), "u1").Return(nil)

	res, err := orch.Checkout(context.Background(), checkoutRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentPending, res.Order.Status)
}

func TestOrchestrator_CheckoutReadRetryIsBounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(nil, unreachable("cart")).Times(3)

	_, err := orch.Checkout(context.Background(), checkoutRequest())
	assert.ErrorIs(t, err, models.ErrUpstreamUnreachable)
	assert.True(t, models.IsRetryable(err))
}

func TestOrchestrator_CheckoutRejectedReadIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	orch := NewOrchestrator(memory.NewOrderRepository(), gw, WithRetryPolicy(fastRetry))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(nil, rejected("cart", 500, "boom")).Times(1)

	_, err := orch.Checkout(context.Background(), checkoutRequest())
	assert.ErrorIs(t, err, models.ErrUpstreamRejected)
}

func TestOrchestrator_CheckoutFetchesEmailWhenMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	orch := NewOrchestrator(memory.NewOrderRepository(), gw, WithRetryPolicy(fastRetry))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "A", Quantity: 1, RestaurantID: "r1"},
	), nil)
	expectMenu(gw)
	gw.EXPECT().GetUser(gomock.Any(), "u1").Return(&models.User{ID: "u1", Email: "profile@example.com"}, nil)
	gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, pr models.PaymentRequest) (*models.PaymentIntent, error) {
			assert.Equal(t, "profile@example.com", pr.Email)
			return &models.PaymentIntent{ID: "pay-1"}, nil
		})
	gw.EXPECT().ClearCart(gomock.Any(), "u1").Return(nil)

	req := checkoutRequest()
	req.Email = ""
	_, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
}

func TestOrchestrator_CheckoutIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	locker := &fakeLocker{}
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry), WithLocker(locker))

	// downstream calls happen for the first submission only
	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "A", Quantity: 2, RestaurantID: "r1"},
	), nil).Times(1)
	expectMenu(gw)
	gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).Return(&models.PaymentIntent{ID: "pay-1"}, nil).Times(1)
	gw.EXPECT().ClearCart(gomock.Any(), "u1").Return(nil).Times(1)

	req := checkoutRequest()
	req.IdempotencyKey = "key-1"

	first, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Empty(t, second.Outcomes)

	orders, err := repo.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, []string{"u1:key-1"}, locker.acquired)
	assert.Empty(t, locker.held)
}

func TestOrchestrator_CheckoutIdempotencyKeyLocked(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	locker := &fakeLocker{held: map[string]bool{"u1:key-1": true}}
	orch := NewOrchestrator(memory.NewOrderRepository(), gw, WithLocker(locker))

	req := checkoutRequest()
	req.IdempotencyKey = "key-1"

	_, err := orch.Checkout(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestOrchestrator_CheckoutRetryResumesPayment(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	pub := &fakePublisher{}
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry), WithLocker(&fakeLocker{}), WithPublisher(pub))

	// the cart is priced once, the retry charges the stored order
	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "A", Quantity: 2, RestaurantID: "r1"},
	), nil).Times(1)
	expectMenu(gw)

	var amounts []decimal.Decimal
	var orderIDs []string
	gomock.InOrder(
		gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, pr models.PaymentRequest) (*models.PaymentIntent, error) {
				orderIDs = append(orderIDs, pr.OrderID)
				amounts = append(amounts, pr.Amount)
				return nil, unreachable("payment")
			}),
		gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, pr models.PaymentRequest) (*models.PaymentIntent, error) {
				orderIDs = append(orderIDs, pr.OrderID)
				amounts = append(amounts, pr.Amount)
				return &models.PaymentIntent{ID: "pay-1"}, nil
			}),
	)
	gw.EXPECT().ClearCart(gomock.Any(), "u1").Return(nil).Times(1)

	req := checkoutRequest()
	req.IdempotencyKey = "key-1"

	_, err := orch.Checkout(context.Background(), req)
	require.ErrorIs(t, err, models.ErrUpstreamUnreachable)
	require.True(t, models.IsRetryable(err))

	res, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, models.StatusPaymentPending, res.Order.Status)
	assert.Equal(t, []models.Status{models.StatusCreated, models.StatusPaymentPending}, historyStatuses(res.Order))
	require.NotNil(t, res.Order.PaymentRef)
	assert.Equal(t, "pay-1", *res.Order.PaymentRef)

	require.Len(t, orderIDs, 2)
	assert.Equal(t, orderIDs[0], orderIDs[1])
	assert.Equal(t, res.Order.ID, orderIDs[1])
	assert.True(t, amounts[1].Equal(dec("10.00")))

	services := make([]string, 0, len(res.Outcomes))
	for _, oc := range res.Outcomes {
		services = append(services, oc.Service)
	}
	assert.Equal(t, []string{"payment", "cart"}, services)

	orders, err := repo.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Len(t, pub.list(), 1)

	// once payment is pending the key replays without downstream calls
	again, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, models.StatusPaymentPending, again.Order.Status)
	assert.Empty(t, again.Outcomes)
}

func TestOrchestrator_CheckoutRetryPaymentRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "A", Quantity: 1, RestaurantID: "r1"},
	), nil).Times(1)
	expectMenu(gw)
	gomock.InOrder(
		gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
			Return(nil, &models.UpstreamError{Service: "payment", Kind: models.KindMalformed, StatusCode: 200}),
		gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).
			Return(nil, rejected("payment", 402, "card declined")),
	)

	req := checkoutRequest()
	req.IdempotencyKey = "key-1"

	_, err := orch.Checkout(context.Background(), req)
	require.ErrorIs(t, err, models.ErrUpstreamMalformed)

	_, err = orch.Checkout(context.Background(), req)
	require.ErrorIs(t, err, models.ErrUpstreamRejected)

	// a failed order is final and is replayed as is
	res, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, models.StatusPaymentFailed, res.Order.Status)
	assert.Equal(t, "card declined", res.Order.History[len(res.Order.History)-1].Reason)
}

func TestOrchestrator_CheckoutRoundsMenuPricesToCents(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	orch := NewOrchestrator(memory.NewOrderRepository(), gw, WithRetryPolicy(fastRetry))

	gw.EXPECT().GetCart(gomock.Any(), "u1").Return(cartOf(
		models.CartItem{ItemID: "C", Quantity: 3, RestaurantID: "r1"},
	), nil)
	gw.EXPECT().GetRestaurant(gomock.Any(), "r1").Return(&models.Restaurant{ID: "r1", IsActive: true}, nil)
	gw.EXPECT().GetMenu(gomock.Any(), "r1").Return([]models.MenuItem{
		{ID: "C", Name: "Garlic Knots", Price: dec("3.333"), IsAvailable: true},
	}, nil)

	var charged decimal.Decimal
	gw.EXPECT().InitiatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, pr models.PaymentRequest) (*models.PaymentIntent, error) {
			charged = pr.Amount
			return &models.PaymentIntent{ID: "pay-1"}, nil
		})
	gw.EXPECT().ClearCart(gomock.Any(), "u1").Return(nil)

	res, err := orch.Checkout(context.Background(), checkoutRequest())
	require.NoError(t, err)

	order := res.Order
	assert.True(t, order.Items[0].UnitPrice.Equal(dec("3.33")), order.Items[0].UnitPrice.String())
	assert.True(t, order.Total.Equal(dec("9.99")), order.Total.String())
	assert.True(t, order.Total.Equal(models.ComputeTotal(order.Items)))
	assert.True(t, charged.Equal(order.Total), charged.String())
}

// seedOrder creates order o1 of customer u1 and walks it to status
func seedOrder(t *testing.T, repo OrderRepository, status models.Status) {
	t.Helper()
	ctx := context.Background()

	items := []models.LineItem{{MenuItemID: "A", Name: "Margherita", Quantity: 2, UnitPrice: dec("5.00")}}
	_, err := repo.Create(ctx, &models.Order{
		ID:           "o1",
		CustomerID:   "u1",
		RestaurantID: "r1",
		Items:        items,
		Total:        models.ComputeTotal(items),
		DeliveryAddress: models.Address{
			Street: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701",
		},
	})
	require.NoError(t, err)

	paths := map[models.Status][]models.Status{
		models.StatusCreated:          nil,
		models.StatusPaymentPending:   {models.StatusPaymentPending},
		models.StatusPaymentFailed:    {models.StatusPaymentPending, models.StatusPaymentFailed},
		models.StatusPaymentConfirmed: {models.StatusPaymentPending, models.StatusPaymentConfirmed},
		models.StatusDriverAssigned:   {models.StatusPaymentPending, models.StatusPaymentConfirmed, models.StatusDriverAssigned},
		models.StatusInTransit:        {models.StatusPaymentPending, models.StatusPaymentConfirmed, models.StatusDriverAssigned, models.StatusInTransit},
		models.StatusDelivered:        {models.StatusPaymentPending, models.StatusPaymentConfirmed, models.StatusDriverAssigned, models.StatusInTransit, models.StatusDelivered},
		models.StatusCancelled:        {models.StatusCancelled},
	}
	path, ok := paths[status]
	require.True(t, ok, "no path to %s", status)

	driver := "d1"
	for _, st := range path {
		tr := models.Transition{To: st, Actor: "test", Privileged: true}
		if st == models.StatusDriverAssigned {
			tr.DriverID = &driver
		}
		_, err := repo.AppendStatus(ctx, "o1", tr)
		require.NoError(t, err)
	}
}

func TestOrchestrator_CancelByStatus(t *testing.T) {
	tests := []struct {
		status  models.Status
		wantErr error
	}{
		{status: models.StatusCreated},
		{status: models.StatusPaymentPending},
		{status: models.StatusPaymentConfirmed},
		{status: models.StatusDriverAssigned},
		{status: models.StatusInTransit, wantErr: models.ErrInvalidTransition},
		{status: models.StatusDelivered, wantErr: models.ErrInvalidTransition},
		{status: models.StatusCancelled, wantErr: models.ErrInvalidTransition},
		{status: models.StatusPaymentFailed, wantErr: models.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			gw := mocks.NewMockGateway(ctrl)
			repo := memory.NewOrderRepository()
			orch := NewOrchestrator(repo, gw)
			seedOrder(t, repo, tt.status)

			order, err := orch.Cancel(context.Background(), CancelRequest{
				OrderID:  "o1",
				Reason:   "changed my mind",
				Strength: AuthUserID,
				UserID:   "u1",
			})

			stored, getErr := repo.Get(context.Background(), "o1")
			require.NoError(t, getErr)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, order)
				assert.Equal(t, tt.status, stored.Status)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, models.StatusCancelled, order.Status)
			require.NotNil(t, order.CancellationReason)
			assert.Equal(t, "changed my mind", *order.CancellationReason)
			assert.Equal(t, "u1", order.History[len(order.History)-1].Actor)
			assert.Equal(t, models.StatusCancelled, stored.Status)
		})
	}
}

func TestOrchestrator_CancelCustomerMismatch(t *testing.T) {
	tests := []struct {
		name  string
		req   CancelRequest
		setup func(gw *mocks.MockGateway)
	}{
		{
			name: "user_id",
			req:  CancelRequest{OrderID: "o1", Strength: AuthUserID, UserID: "u2"},
		},
		{
			name: "verified_token",
			req:  CancelRequest{OrderID: "o1", Strength: AuthVerified, Token: "t2"},
			setup: func(gw *mocks.MockGateway) {
				gw.EXPECT().ValidateToken(gomock.Any(), "t2").Return(&models.User{ID: "u2", Role: models.RoleCustomer}, nil)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			gw := mocks.NewMockGateway(ctrl)
			if tt.setup != nil {
				tt.setup(gw)
			}
			repo := memory.NewOrderRepository()
			orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))
			seedOrder(t, repo, models.StatusPaymentConfirmed)

			_, err := orch.Cancel(context.Background(), tt.req)
			assert.ErrorIs(t, err, models.ErrForbidden)

			stored, err := repo.Get(context.Background(), "o1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusPaymentConfirmed, stored.Status)
			assert.Len(t, stored.History, 3)
		})
	}
}

func TestOrchestrator_CancelVerified(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))
	seedOrder(t, repo, models.StatusPaymentPending)

	// admins may cancel orders of any customer
	gw.EXPECT().ValidateToken(gomock.Any(), "admin-token").Return(&models.User{ID: "a1", Role: models.RoleAdmin}, nil)

	order, err := orch.Cancel(context.Background(), CancelRequest{
		OrderID:  "o1",
		Reason:   "restaurant closed",
		Strength: AuthVerified,
		Token:    "admin-token",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, order.Status)
	assert.Equal(t, "a1", order.History[len(order.History)-1].Actor)
}

func TestOrchestrator_CancelInvalidToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	repo := memory.NewOrderRepository()
	orch := NewOrchestrator(repo, gw, WithRetryPolicy(fastRetry))
	seedOrder(t, repo, models.StatusCreated)

	gw.EXPECT().ValidateToken(gomock.Any(), "bad").Return(nil, rejected("user", 401, "invalid token"))

	_, err := orch.Cancel(context.Background(), CancelRequest{OrderID: "o1", Strength: AuthVerified, Token: "bad"})
	assert.ErrorIs(t, err, models.ErrUpstreamRejected)

	_, err = orch.Cancel(context.Background(), CancelRequest{OrderID: "o1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = orch.Cancel(context.Background(), CancelRequest{OrderID: "missing", Strength: AuthUserID, UserID: "u1"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOrchestrator_AssignDriver(t *testing.T) {
	tests := []struct {
		name    string
		status  models.Status
		driver  string
		wantErr error
	}{
		{name: "from_confirmed", status: models.StatusPaymentConfirmed, driver: "d1"},
		{name: "same_driver_is_noop", status: models.StatusDriverAssigned, driver: "d1"},
		{name: "other_driver", status: models.StatusDriverAssigned, driver: "d2", wantErr: models.ErrInvalidTransition},
		{name: "from_created", status: models.StatusCreated, driver: "d1", wantErr: models.ErrInvalidTransition},
		{name: "from_pending", status: models.StatusPaymentPending, driver: "d1", wantErr: models.ErrInvalidTransition},
		{name: "from_cancelled", status: models.StatusCancelled, driver: "d1", wantErr: models.ErrInvalidTransition},
		{name: "empty_driver", status: models.StatusPaymentConfirmed, driver: "", wantErr: models.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			repo := memory.NewOrderRepository()
			orch := NewOrchestrator(repo, mocks.NewMockGateway(ctrl))
			seedOrder(t, repo, tt.status)

			before, err := repo.Get(context.Background(), "o1")
			require.NoError(t, err)

			order, err := orch.AssignDriver(context.Background(), "o1", tt.driver, "admin")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				after, err := repo.Get(context.Background(), "o1")
				require.NoError(t, err)
				assert.Equal(t, before.Status, after.Status)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, models.StatusDriverAssigned, order.Status)
			require.NotNil(t, order.DriverID)
			assert.Equal(t, tt.driver, *order.DriverID)

			// exactly one DRIVER_ASSIGNED entry even for the repeated assignment
			var assigned int
			for _, h := range order.History {
				if h.Status == models.StatusDriverAssigned {
					assigned++
				}
			}
			assert.Equal(t, 1, assigned)
		})
	}
}

func TestOrchestrator_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := memory.NewOrderRepository()
	pub := &fakePublisher{}
	orch := NewOrchestrator(repo, mocks.NewMockGateway(ctrl), WithPublisher(pub))
	seedOrder(t, repo, models.StatusDriverAssigned)

	order, err := orch.UpdateStatus(ctx, "o1", models.StatusInTransit, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInTransit, order.Status)

	_, err = orch.UpdateStatus(ctx, "o1", models.StatusCancelled, "admin")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	order, err = orch.UpdateStatus(ctx, "o1", models.StatusDelivered, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, order.Status)

	// terminal states never move
	_, err = orch.UpdateStatus(ctx, "o1", models.StatusInTransit, "admin")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = orch.UpdateStatus(ctx, "o1", models.Status("LOST"), "admin")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = orch.UpdateStatus(ctx, "missing", models.StatusDelivered, "admin")
	assert.ErrorIs(t, err, models.ErrNotFound)

	events := pub.list()
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusDriverAssigned, events[0].From)
	assert.Equal(t, models.StatusInTransit, events[0].To)
	assert.Equal(t, models.StatusDelivered, events[1].To)
}

func TestOrchestrator_Delete(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := memory.NewOrderRepository()
	orch := NewOrchestrator(repo, mocks.NewMockGateway(ctrl))
	seedOrder(t, repo, models.StatusDelivered)

	// deletion ignores the status machine
	require.NoError(t, orch.Delete(ctx, "o1"))
	assert.ErrorIs(t, orch.Delete(ctx, "o1"), models.ErrNotFound)

	_, err := repo.Get(ctx, "o1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// barrierRepo holds the first n Get calls until all of them arrived, so that
// concurrent operations observe the same order state
type barrierRepo struct {
	OrderRepository
	n       int32
	calls   atomic.Int32
	arrived sync.WaitGroup
}

func newBarrierRepo(repo OrderRepository, n int) *barrierRepo {
	b := &barrierRepo{OrderRepository: repo, n: int32(n)}
	b.arrived.Add(n)
	return b
}

func (b *barrierRepo) Get(ctx context.Context, id string) (*models.Order, error) {
	order, err := b.OrderRepository.Get(ctx, id)
	if b.calls.Add(1) <= b.n {
		b.arrived.Done()
		b.arrived.Wait()
	}
	return order, err
}

func TestOrchestrator_ConcurrentCancelAndAssign(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctrl := gomock.NewController(t)
		mem := memory.NewOrderRepository()
		seedOrder(t, mem, models.StatusPaymentConfirmed)
		repo := newBarrierRepo(mem, 2)
		orch := NewOrchestrator(repo, mocks.NewMockGateway(ctrl))

		var (
			wg        sync.WaitGroup
			cancelErr error
			assignErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = orch.Cancel(context.Background(), CancelRequest{
				OrderID: "o1", Strength: AuthUserID, UserID: "u1", Reason: "too slow",
			})
		}()
		go func() {
			defer wg.Done()
			_, assignErr = orch.AssignDriver(context.Background(), "o1", "d1", "admin")
		}()
		wg.Wait()

		failed := 0
		for _, err := range []error{cancelErr, assignErr} {
			if err == nil {
				continue
			}
			failed++
			assert.True(t, errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrInvalidTransition), err)
		}
		assert.Equal(t, 1, failed, "exactly one operation must win")

		stored, err := mem.Get(context.Background(), "o1")
		require.NoError(t, err)
		assert.Len(t, stored.History, 4)
		if cancelErr == nil {
			assert.Equal(t, models.StatusCancelled, stored.Status)
		} else {
			assert.Equal(t, models.StatusDriverAssigned, stored.Status)
		}
	}
}
