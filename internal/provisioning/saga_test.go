package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/feedbox/billing/internal/db/dbtest"
	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/models"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeDNS struct {
	mu        sync.Mutex
	createErr error
	deleteErr error
	records   map[string]string // id -> name
	nextID    int
	creates   int
	deletes   []string
}

func (f *fakeDNS) CreateRecord(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.records[id] = name
	return id, nil
}

func (f *fakeDNS) DeleteRecord(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records, id)
	return nil
}

func (f *fakeDNS) FindRecord(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, recordName := range f.records {
		if recordName == name {
			return id, nil
		}
	}
	return "", nil
}

type fakeHosting struct {
	mu            sync.Mutex
	addErr        error
	removeErr     error
	registerOnErr bool
	domains       map[string]bool
	adds          int
	removes       []string
}

func (f *fakeHosting) AddDomain(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if f.addErr != nil {
		if f.registerOnErr {
			f.domains[domain] = true
		}
		return f.addErr
	}
	f.domains[domain] = true
	return nil
}

func (f *fakeHosting) RemoveDomain(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, domain)
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.domains, domain)
	return nil
}

type fixture struct {
	db      *gorm.DB
	dns     *fakeDNS
	hosting *fakeHosting
	saga    *Saga
}

func newFixture(t *testing.T, withPlan bool) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	if withPlan {
		dbtest.Plan(t, conn, "Starter", true, models.PlanFeatures{MaxBoxes: 3}, map[models.BillingCycle]string{
			models.BillingCycleMonthly: "49.90",
			models.BillingCycleYearly:  "499.00",
		})
	}
	dns := &fakeDNS{records: map[string]string{}}
	hosting := &fakeHosting{domains: map[string]bool{}}
	manager := subscription.NewManager(conn, gateway.NewRegistry(""), time.Second, time.Minute)
	saga := NewSaga(conn, dns, hosting, manager, Config{
		RootDomain: "feedbox.test",
		Target:     "cname.hosting.test",
		Timeout:    time.Second,
		TrialDays:  7,
		Reserved:   []string{"Internal"},
	})
	return &fixture{db: conn, dns: dns, hosting: hosting, saga: saga}
}

func (f *fixture) attempt(t *testing.T, subdomain string) models.ProvisioningAttempt {
	t.Helper()
	var attempt models.ProvisioningAttempt
	require.NoError(t, f.db.Where("subdomain = ?", subdomain).Order("id DESC").First(&attempt).Error)
	return attempt
}

func (f *fixture) enterpriseCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.Enterprise{}).Count(&count).Error)
	return count
}

func validRequest(subdomain string) Request {
	return Request{Name: "Acme", Subdomain: subdomain, Email: "owner@acme.test", Document: "12345678000199", Phone: "11999999999"}
}

func TestProvision_CreatesTenantWithTrial(t *testing.T) {
	f := newFixture(t, true)

	enterprise, err := f.saga.Provision(context.Background(), validRequest("  Acme "))
	require.NoError(t, err)
	assert.Equal(t, "acme", enterprise.Subdomain)
	require.NotNil(t, enterprise.ProvisionedAt)

	assert.True(t, f.hosting.domains["acme.feedbox.test"])
	assert.Len(t, f.dns.records, 1)

	var branding models.Branding
	require.NoError(t, f.db.Where("enterprise_id = ?", enterprise.ID).First(&branding).Error)
	assert.Equal(t, DefaultPrimaryColor, branding.PrimaryColor)
	assert.Equal(t, DefaultThankYouMessage, branding.ThankYouMessage)

	var sub models.Subscription
	require.NoError(t, f.db.Preload("PlanPrice").Where("enterprise_id = ?", enterprise.ID).First(&sub).Error)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, models.BillingCycleMonthly, sub.PlanPrice.BillingCycle)
	require.NotNil(t, sub.TrialEndDate)
	assert.WithinDuration(t, sub.StartDate.AddDate(0, 0, 7), *sub.TrialEndDate, time.Second)

	attempt := f.attempt(t, "acme")
	assert.Equal(t, models.ProvisioningStatusCompleted, attempt.Status)
	assert.Equal(t, "rec-1", attempt.DNSRecordID)
}

func TestProvision_RejectsInvalidSubdomainsBeforeExternalCalls(t *testing.T) {
	f := newFixture(t, true)
	for _, subdomain := range []string{"ab", "-acme", "acme-", "ac_me", "ac.me", "www", "internal", strings.Repeat("a", 64)} {
		_, err := f.saga.Provision(context.Background(), validRequest(subdomain))
		assert.ErrorIs(t, err, ErrInvalidSubdomain, subdomain)
	}
	_, err := f.saga.Provision(context.Background(), Request{Subdomain: "acme", Email: "owner@acme.test"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.saga.Provision(context.Background(), Request{Name: "Acme", Subdomain: "acme", Email: "nope"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, f.dns.creates)
	assert.Zero(t, f.hosting.adds)
}

func TestProvision_RejectsTakenSubdomains(t *testing.T) {
	f := newFixture(t, true)
	dbtest.Enterprise(t, f.db, "acme")
	require.NoError(t, f.db.Create(&models.ProvisioningAttempt{Key: "k-1", Subdomain: "globex", Status: models.ProvisioningStatusStarted}).Error)
	require.NoError(t, f.db.Create(&models.ProvisioningAttempt{Key: "k-2", Subdomain: "initech", Status: models.ProvisioningStatusRolledBack}).Error)

	_, err := f.saga.Provision(context.Background(), validRequest("acme"))
	assert.ErrorIs(t, err, ErrSubdomainTaken)
	_, err = f.saga.Provision(context.Background(), validRequest("globex"))
	assert.ErrorIs(t, err, ErrSubdomainTaken)
	assert.Zero(t, f.dns.creates)

	_, err = f.saga.Provision(context.Background(), validRequest("initech"))
	assert.NoError(t, err, "rolled back attempts release the subdomain")
}

func TestProvision_RequiresDefaultPlan(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.saga.Provision(context.Background(), validRequest("acme"))
	assert.ErrorIs(t, err, ErrNoDefaultPlan)
	assert.Zero(t, f.dns.creates)
}

func TestProvision_DNSFailureLeavesNoTenant(t *testing.T) {
	f := newFixture(t, true)
	f.dns.createErr = &gateway.ProviderError{Gateway: "cloudflare", Op: "create record", StatusCode: 400, Body: `{"success":false}`}

	_, err := f.saga.Provision(context.Background(), validRequest("acme"))
	require.ErrorIs(t, err, ErrExternal)
	assert.ErrorIs(t, err, gateway.ErrProvider)
	assert.Zero(t, f.enterpriseCount(t))
	assert.Zero(t, f.hosting.adds)
	assert.Equal(t, models.ProvisioningStatusRolledBack, f.attempt(t, "acme").Status)
}

func TestProvision_HostingFailureDeletesDNSRecord(t *testing.T) {
	f := newFixture(t, true)
	f.hosting.addErr = context.DeadlineExceeded

	_, err := f.saga.Provision(context.Background(), validRequest("acme"))
	require.ErrorIs(t, err, ErrExternal)
	assert.Zero(t, f.enterpriseCount(t))
	assert.Equal(t, []string{"rec-1"}, f.dns.deletes)
	assert.Empty(t, f.dns.records)

	attempt := f.attempt(t, "acme")
	assert.Equal(t, models.ProvisioningStatusRolledBack, attempt.Status)
	assert.Contains(t, attempt.Error, "deadline")
}

func TestProvision_HostingTimeoutRemovesLateRegisteredDomain(t *testing.T) {
	f := newFixture(t, true)
	f.hosting.addErr = context.DeadlineExceeded
	f.hosting.registerOnErr = true

	_, err := f.saga.Provision(context.Background(), validRequest("acme"))
	require.ErrorIs(t, err, ErrExternal)
	assert.Equal(t, []string{"acme.feedbox.test"}, f.hosting.removes)
	assert.Empty(t, f.hosting.domains)
	assert.Empty(t, f.dns.records)
	assert.Equal(t, models.ProvisioningStatusRolledBack, f.attempt(t, "acme").Status)
}

func TestProvision_HostingRemoveFailureIsOrphaned(t *testing.T) {
	f := newFixture(t, true)
	f.hosting.addErr = context.DeadlineExceeded
	f.hosting.registerOnErr = true
	f.hosting.removeErr = errors.New("hosting unavailable")

	_, err := f.saga.Provision(context.Background(), validRequest("acme"))
	require.ErrorIs(t, err, ErrExternal)
	assert.Equal(t, []string{"rec-1"}, f.dns.deletes, "dns is still compensated")

	attempt := f.attempt(t, "acme")
	assert.Equal(t, models.ProvisioningStatusOrphaned, attempt.Status)
	assert.Contains(t, attempt.Error, "hosting unavailable")
}

func TestProvision_FailedCompensationIsOrphanedThenReconciled(t *testing.T) {
	f := newFixture(t, true)
	f.hosting.addErr = errors.New("hosting unavailable")
	f.dns.deleteErr = errors.New("dns unavailable")

	_, err := f.saga.Provision(context.Background(), validRequest("acme"))
	require.ErrorIs(t, err, ErrExternal)
	attempt := f.attempt(t, "acme")
	assert.Equal(t, models.ProvisioningStatusOrphaned, attempt.Status)
	assert.Equal(t, "rec-1", attempt.DNSRecordID)

	_, err = f.saga.Provision(context.Background(), validRequest("acme"))
	assert.ErrorIs(t, err, ErrSubdomainTaken, "orphaned attempts still hold the subdomain")

	reconciler := NewReconciler(f.saga, time.Minute, time.Hour)
	resolved, err := reconciler.ReconcileOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, resolved)

	f.dns.deleteErr = nil
	resolved, err = reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, models.ProvisioningStatusCompensated, f.attempt(t, "acme").Status)
	assert.Empty(t, f.dns.records)
}

func TestReconcileOnce_StaleStartedAttempts(t *testing.T) {
	f := newFixture(t, true)
	stale := time.Now().UTC().Add(-time.Hour)

	f.dns.records["rec-9"] = "ghost.feedbox.test"
	f.hosting.domains["ghost.feedbox.test"] = true
	require.NoError(t, f.db.Create(&models.ProvisioningAttempt{
		Key: "ghost", Subdomain: "ghost", Status: models.ProvisioningStatusStarted,
		HostingDomain: "ghost.feedbox.test", CreatedAt: stale, UpdatedAt: stale,
	}).Error)

	dbtest.Enterprise(t, f.db, "done")
	require.NoError(t, f.db.Create(&models.ProvisioningAttempt{
		Key: "done", Subdomain: "done", Status: models.ProvisioningStatusStarted,
		DNSRecordID: "rec-7", CreatedAt: stale, UpdatedAt: stale,
	}).Error)

	require.NoError(t, f.db.Create(&models.ProvisioningAttempt{
		Key: "fresh", Subdomain: "fresh", Status: models.ProvisioningStatusStarted,
	}).Error)

	reconciler := NewReconciler(f.saga, time.Minute, 15*time.Minute)
	resolved, err := reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)

	assert.Equal(t, models.ProvisioningStatusCompensated, f.attempt(t, "ghost").Status)
	assert.Empty(t, f.dns.records)
	assert.Empty(t, f.hosting.domains)
	assert.Equal(t, models.ProvisioningStatusCompleted, f.attempt(t, "done").Status)
	assert.Equal(t, models.ProvisioningStatusStarted, f.attempt(t, "fresh").Status)
	assert.Equal(t, []string{"rec-9"}, f.dns.deletes)

	resolved, err = reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)
}
