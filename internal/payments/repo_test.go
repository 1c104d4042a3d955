package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/registration-ledger/internal/repo/repotest"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
)

func strPtr(v string) *string { return &v }

func testKey() models.RegistrationKey {
	return models.RegistrationKey{RegistrationID: uuid.New(), RegistrationType: enums.RegistrationTypeIndividual}
}

func newPayment(key models.RegistrationKey, method enums.PaymentMethod, status enums.PaymentStatus, amount int64) *models.Payment {
	return &models.Payment{
		RegistrationID:   key.RegistrationID,
		RegistrationType: key.RegistrationType,
		Amount:           decimal.NewFromInt(amount),
		PaymentMethod:    method,
		PaymentStatus:    status,
	}
}

func TestGatewayReferenceIsUnique(t *testing.T) {
	repo := NewRepository(repotest.NewDB(t))
	ctx := context.Background()
	key := testKey()

	first := newPayment(key, enums.PaymentMethodCard, enums.PaymentStatusSucceeded, 50)
	first.GatewayReference = strPtr("sq_pay_1")
	require.NoError(t, repo.Create(ctx, first))

	dup := newPayment(key, enums.PaymentMethodCard, enums.PaymentStatusSucceeded, 50)
	dup.GatewayReference = strPtr("sq_pay_1")
	err := repo.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	found, err := repo.FindByGatewayReference(ctx, "sq_pay_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	missing, err := repo.FindByGatewayReference(ctx, "sq_pay_404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindPendingCheckPrefersNumberedMatch(t *testing.T) {
	repo := NewRepository(repotest.NewDB(t))
	ctx := context.Background()
	key := testKey()

	pledge := newPayment(key, enums.PaymentMethodCheck, enums.PaymentStatusPending, 100)
	require.NoError(t, repo.Create(ctx, pledge))
	numbered := newPayment(key, enums.PaymentMethodCheck, enums.PaymentStatusPending, 200)
	numbered.CheckNumber = strPtr("1042")
	require.NoError(t, repo.Create(ctx, numbered))

	match, err := repo.FindPendingCheck(ctx, key, strPtr("1042"))
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, numbered.ID, match.ID)

	fallback, err := repo.FindPendingCheck(ctx, key, strPtr("9999"))
	require.NoError(t, err)
	require.NotNil(t, fallback)
	assert.Equal(t, pledge.ID, fallback.ID)

	other, err := repo.FindPendingCheck(ctx, testKey(), nil)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestFindCheckReceiptMatchesTuple(t *testing.T) {
	repo := NewRepository(repotest.NewDB(t))
	ctx := context.Background()
	key := testKey()
	received := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	check := newPayment(key, enums.PaymentMethodCheck, enums.PaymentStatusSucceeded, 300)
	check.CheckNumber = strPtr("77")
	check.CheckReceivedDate = &received
	require.NoError(t, repo.Create(ctx, check))

	found, err := repo.FindCheckReceipt(ctx, key, strPtr("77"), received, decimal.NewFromInt(300))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, check.ID, found.ID)

	otherAmount, err := repo.FindCheckReceipt(ctx, key, strPtr("77"), received, decimal.NewFromInt(299))
	require.NoError(t, err)
	assert.Nil(t, otherAmount)

	otherDay, err := repo.FindCheckReceipt(ctx, key, strPtr("77"), received.AddDate(0, 0, 1), decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.Nil(t, otherDay)
}

func TestSaveAndLatestSucceededCard(t *testing.T) {
	repo := NewRepository(repotest.NewDB(t))
	ctx := context.Background()
	key := testKey()

	older := time.Now().UTC().Add(-time.Hour)
	first := newPayment(key, enums.PaymentMethodCard, enums.PaymentStatusSucceeded, 40)
	first.GatewayReference = strPtr("sq_pay_old")
	first.ProcessedAt = &older
	require.NoError(t, repo.Create(ctx, first))

	pending := newPayment(key, enums.PaymentMethodCard, enums.PaymentStatusPending, 60)
	pending.GatewayReference = strPtr("sq_pay_new")
	require.NoError(t, repo.Create(ctx, pending))

	latest, err := repo.LatestSucceededCard(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, first.ID, latest.ID)

	now := time.Now().UTC()
	pending.PaymentStatus = enums.PaymentStatusSucceeded
	pending.ProcessedAt = &now
	require.NoError(t, repo.Save(ctx, pending))

	latest, err = repo.LatestSucceededCard(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, pending.ID, latest.ID)

	all, err := repo.ListByRegistration(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	reloaded, err := repo.FindByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusSucceeded, reloaded.PaymentStatus)

	_, err = repo.FindByID(ctx, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
