// Package provisioning creates tenants together with their DNS record and hosting
// domain, compensating external side effects when a later step fails.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/feedbox/billing/internal/db"
	"github.com/feedbox/billing/internal/metrics"
	"github.com/feedbox/billing/internal/models"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrInvalidSubdomain is returned for subdomains that are not valid DNS labels or are reserved.
	ErrInvalidSubdomain = errors.New("provisioning: invalid subdomain")
	// ErrInvalidRequest is returned for missing or malformed tenant details.
	ErrInvalidRequest = errors.New("provisioning: invalid request")
	// ErrSubdomainTaken is returned when another tenant or an in-flight attempt holds the subdomain.
	ErrSubdomainTaken = errors.New("provisioning: subdomain taken")
	// ErrExternal wraps DNS and hosting provider failures.
	ErrExternal = errors.New("provisioning: external provider failed")
	// ErrNoDefaultPlan is returned when no enabled default plan with a monthly price exists.
	ErrNoDefaultPlan = errors.New("provisioning: no default plan")
)

const (
	defaultTimeout   = 5 * time.Second
	defaultTrialDays = 7
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Default branding of a new tenant.
const (
	DefaultPrimaryColor    = "#2563EB"
	DefaultSecondaryColor  = "#F8FAFC"
	DefaultWelcomeMessage  = "We would love to hear about your experience."
	DefaultThankYouMessage = "Thank you for your feedback!"
)

// Request describes a tenant to provision.
type Request struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Email     string `json:"email"`
	Document  string `json:"document"`
	Phone     string `json:"phone"`
}

// Config holds saga settings.
type Config struct {
	RootDomain string        // Zone the tenant subdomains live under.
	Target     string        // CNAME target of tenant records.
	Timeout    time.Duration // Bound for each external call.
	TrialDays  int
	Reserved   []string
}

// Saga provisions enterprises.
type Saga struct {
	db            *gorm.DB
	dns           DNSProvider
	hosting       HostingProvider
	subscriptions *subscription.Manager
	cfg           Config
	reserved      map[string]struct{}
	now           func() time.Time
}

// NewSaga constructs a Saga.
func NewSaga(db *gorm.DB, dns DNSProvider, hosting HostingProvider, subscriptions *subscription.Manager, cfg Config) *Saga {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = defaultTrialDays
	}
	reserved := make(map[string]struct{}, len(cfg.Reserved)+len(builtinReserved))
	for _, name := range builtinReserved {
		reserved[name] = struct{}{}
	}
	for _, name := range cfg.Reserved {
		reserved[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return &Saga{
		db:            db,
		dns:           dns,
		hosting:       hosting,
		subscriptions: subscriptions,
		cfg:           cfg,
		reserved:      reserved,
		now:           subscriptions.Now,
	}
}

var builtinReserved = []string{"www", "api", "app", "admin", "mail", "status", "billing", "static", "cdn", "docs"}

// ValidateSubdomain checks that name is a lowercase DNS label of 3 to 63 characters.
func (s *Saga) ValidateSubdomain(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("%w: %q must have 3 to 63 characters", ErrInvalidSubdomain, name)
	}
	if !subdomainPattern.MatchString(name) {
		return fmt.Errorf("%w: %q must be lowercase letters, digits and inner hyphens", ErrInvalidSubdomain, name)
	}
	if _, ok := s.reserved[name]; ok {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSubdomain, name)
	}
	return nil
}

// FQDN returns the fully qualified tenant domain.
func (s *Saga) FQDN(subdomain string) string {
	return subdomain + "." + strings.TrimPrefix(s.cfg.RootDomain, ".")
}

// Provision creates the tenant. No enterprise row exists unless both the DNS
// record and the hosting domain were registered.
func (s *Saga) Provision(ctx context.Context, req Request) (*models.Enterprise, error) {
	req.Subdomain = strings.ToLower(strings.TrimSpace(req.Subdomain))
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if errSub := s.ValidateSubdomain(req.Subdomain); errSub != nil {
		return nil, errSub
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if _, errAddr := mail.ParseAddress(req.Email); errAddr != nil {
		return nil, fmt.Errorf("%w: email is invalid", ErrInvalidRequest)
	}

	if errTaken := s.checkAvailable(ctx, req.Subdomain); errTaken != nil {
		return nil, errTaken
	}
	price, errPlan := s.defaultTrialPrice(ctx)
	if errPlan != nil {
		return nil, errPlan
	}

	domain := s.FQDN(req.Subdomain)
	attempt := &models.ProvisioningAttempt{
		Key:           uuid.NewString(),
		Subdomain:     req.Subdomain,
		Status:        models.ProvisioningStatusStarted,
		HostingDomain: domain,
	}
	if errCreate := s.db.WithContext(ctx).Create(attempt).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return nil, fmt.Errorf("%w: %s is being provisioned", ErrSubdomainTaken, req.Subdomain)
		}
		return nil, fmt.Errorf("provisioning: record attempt: %w", errCreate)
	}
	entry := log.WithFields(log.Fields{"subdomain": req.Subdomain, "attempt": attempt.Key})

	recordID, errDNS := s.callDNSCreate(ctx, domain)
	if errDNS != nil {
		s.finish(attempt, models.ProvisioningStatusRolledBack, errDNS)
		entry.WithError(errDNS).Warn("provisioning: dns record failed")
		return nil, fmt.Errorf("%w: dns: %w", ErrExternal, errDNS)
	}
	attempt.DNSRecordID = recordID
	if errSave := s.db.WithContext(context.WithoutCancel(ctx)).Model(attempt).Update("dns_record_id", recordID).Error; errSave != nil {
		entry.WithError(errSave).Error("provisioning: record dns id failed")
	}

	if errHosting := s.callHostingAdd(ctx, domain); errHosting != nil {
		entry.WithError(errHosting).Warn("provisioning: hosting domain failed")
		// A timed out add may still have registered the domain.
		errUndoHosting := s.callHostingRemove(ctx, domain)
		errUndoDNS := s.callDNSDelete(ctx, recordID)
		s.finishCompensation(attempt, errHosting, errors.Join(errUndoHosting, errUndoDNS))
		return nil, fmt.Errorf("%w: hosting: %w", ErrExternal, errHosting)
	}

	enterprise, errLocal := s.commit(ctx, req, price)
	if errLocal != nil {
		entry.WithError(errLocal).Error("provisioning: local commit failed")
		errUndoHosting := s.callHostingRemove(ctx, domain)
		errUndoDNS := s.callDNSDelete(ctx, recordID)
		s.finishCompensation(attempt, errLocal, errors.Join(errUndoHosting, errUndoDNS))
		if db.IsUniqueViolation(errLocal) {
			return nil, fmt.Errorf("%w: %s", ErrSubdomainTaken, req.Subdomain)
		}
		return nil, errLocal
	}

	s.finish(attempt, models.ProvisioningStatusCompleted, nil)
	entry.WithField("enterprise_id", enterprise.ID).Info("provisioning: enterprise provisioned")
	return enterprise, nil
}

func (s *Saga) checkAvailable(ctx context.Context, subdomain string) error {
	var enterprises int64
	if err := s.db.WithContext(ctx).Unscoped().Model(&models.Enterprise{}).Where("subdomain = ?", subdomain).Count(&enterprises).Error; err != nil {
		return fmt.Errorf("provisioning: check subdomain: %w", err)
	}
	if enterprises > 0 {
		return fmt.Errorf("%w: %s", ErrSubdomainTaken, subdomain)
	}
	var open int64
	if err := s.db.WithContext(ctx).Model(&models.ProvisioningAttempt{}).
		Where("subdomain = ? AND status IN ?", subdomain, []models.ProvisioningStatus{models.ProvisioningStatusStarted, models.ProvisioningStatusOrphaned}).
		Count(&open).Error; err != nil {
		return fmt.Errorf("provisioning: check attempts: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("%w: %s is being provisioned", ErrSubdomainTaken, subdomain)
	}
	return nil
}

func (s *Saga) defaultTrialPrice(ctx context.Context) (models.PlanPrice, error) {
	var price models.PlanPrice
	err := s.db.WithContext(ctx).
		Joins("JOIN plans ON plans.id = plan_prices.plan_id").
		Where("plans.is_default = ? AND plans.is_enabled = ? AND plan_prices.billing_cycle = ?", true, true, models.BillingCycleMonthly).
		First(&price).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return price, ErrNoDefaultPlan
	}
	if err != nil {
		return price, fmt.Errorf("provisioning: load default plan: %w", err)
	}
	return price, nil
}

// commit inserts the tenant, its branding and its trial in one short transaction.
func (s *Saga) commit(ctx context.Context, req Request, price models.PlanPrice) (*models.Enterprise, error) {
	now := s.now()
	enterprise := &models.Enterprise{
		Name:          req.Name,
		Subdomain:     req.Subdomain,
		Email:         req.Email,
		Document:      strings.TrimSpace(req.Document),
		Phone:         strings.TrimSpace(req.Phone),
		ProvisionedAt: &now,
	}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(enterprise).Error; err != nil {
			return fmt.Errorf("provisioning: create enterprise: %w", err)
		}
		branding := &models.Branding{
			EnterpriseID:    enterprise.ID,
			PrimaryColor:    DefaultPrimaryColor,
			SecondaryColor:  DefaultSecondaryColor,
			WelcomeMessage:  DefaultWelcomeMessage,
			ThankYouMessage: DefaultThankYouMessage,
		}
		if err := tx.Create(branding).Error; err != nil {
			return fmt.Errorf("provisioning: create branding: %w", err)
		}
		_, err := s.subscriptions.CreateTrial(ctx, tx, enterprise.ID, price, now, s.cfg.TrialDays)
		return err
	})
	if errTx != nil {
		return nil, errTx
	}
	return enterprise, nil
}

func (s *Saga) callDNSCreate(ctx context.Context, domain string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.dns.CreateRecord(callCtx, domain, s.cfg.Target)
}

func (s *Saga) callHostingAdd(ctx context.Context, domain string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.hosting.AddDomain(callCtx, domain)
}

// Compensating calls run even when the request context is already canceled.

func (s *Saga) callDNSDelete(ctx context.Context, recordID string) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()
	return s.dns.DeleteRecord(callCtx, recordID)
}

func (s *Saga) callHostingRemove(ctx context.Context, domain string) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()
	return s.hosting.RemoveDomain(callCtx, domain)
}

func (s *Saga) finishCompensation(attempt *models.ProvisioningAttempt, cause, errUndo error) {
	if errUndo != nil {
		log.WithError(errUndo).WithFields(log.Fields{
			"subdomain":     attempt.Subdomain,
			"dns_record_id": attempt.DNSRecordID,
		}).Error("provisioning: compensation failed, attempt left orphaned")
		s.finish(attempt, models.ProvisioningStatusOrphaned, errors.Join(cause, errUndo))
		return
	}
	s.finish(attempt, models.ProvisioningStatusRolledBack, cause)
}

func (s *Saga) finish(attempt *models.ProvisioningAttempt, status models.ProvisioningStatus, cause error) {
	updates := map[string]any{"status": status, "updated_at": s.now()}
	if cause != nil {
		updates["error"] = cause.Error()
	}
	if err := s.db.Model(&models.ProvisioningAttempt{}).
		Where("id = ? AND status = ?", attempt.ID, models.ProvisioningStatusStarted).
		Updates(updates).Error; err != nil {
		log.WithError(err).WithField("attempt", attempt.Key).Error("provisioning: update attempt failed")
	}
	attempt.Status = status
	metrics.ProvisioningTotal.WithLabelValues(string(status)).Inc()
}
