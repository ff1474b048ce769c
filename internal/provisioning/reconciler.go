package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feedbox/billing/internal/metrics"
	"github.com/feedbox/billing/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultStaleAfter = 15 * time.Minute

// Reconciler cleans up provisioning attempts whose saga did not finish.
type Reconciler struct {
	saga       *Saga
	interval   time.Duration
	staleAfter time.Duration
}

// NewReconciler constructs a Reconciler. Started attempts older than staleAfter
// are considered abandoned.
func NewReconciler(saga *Saga, interval, staleAfter time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Reconciler{saga: saga, interval: interval, staleAfter: staleAfter}
}

// Run reconciles on every tick until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil {
		return
	}
	r.runOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	resolved, err := r.ReconcileOnce(ctx)
	if err != nil {
		log.WithError(err).Warn("provisioning: reconcile failed")
	}
	if resolved > 0 {
		log.WithField("count", resolved).Info("provisioning: reconciled attempts")
	}
}

// ReconcileOnce retries compensation of orphaned attempts and resolves stale
// started ones. It returns how many attempts reached a final state.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	s := r.saga
	var attempts []models.ProvisioningAttempt
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []models.ProvisioningStatus{models.ProvisioningStatusOrphaned, models.ProvisioningStatusStarted}).
		Order("id").
		Find(&attempts).Error; err != nil {
		return 0, fmt.Errorf("provisioning: list attempts: %w", err)
	}

	now := s.now()
	resolved := 0
	var errs []error
	for i := range attempts {
		attempt := &attempts[i]
		if attempt.Status == models.ProvisioningStatusStarted && now.Sub(attempt.UpdatedAt) < r.staleAfter {
			continue
		}
		status, errResolve := r.resolve(ctx, attempt)
		if errResolve != nil {
			errs = append(errs, fmt.Errorf("attempt %s: %w", attempt.Key, errResolve))
			r.recordError(ctx, attempt, errResolve)
			continue
		}
		changed, errMark := r.mark(ctx, attempt, status)
		if errMark != nil {
			errs = append(errs, errMark)
			continue
		}
		if changed {
			resolved++
			metrics.ProvisioningTotal.WithLabelValues(string(status)).Inc()
			log.WithFields(log.Fields{
				"subdomain": attempt.Subdomain,
				"attempt":   attempt.Key,
				"status":    status,
			}).Info("provisioning: attempt reconciled")
		}
	}
	return resolved, errors.Join(errs...)
}

func (r *Reconciler) resolve(ctx context.Context, attempt *models.ProvisioningAttempt) (models.ProvisioningStatus, error) {
	s := r.saga
	if attempt.Status == models.ProvisioningStatusStarted {
		var enterprises int64
		if err := s.db.WithContext(ctx).Model(&models.Enterprise{}).Where("subdomain = ?", attempt.Subdomain).Count(&enterprises).Error; err != nil {
			return "", fmt.Errorf("check enterprise: %w", err)
		}
		if enterprises > 0 {
			return models.ProvisioningStatusCompleted, nil
		}
	}

	domain := attempt.HostingDomain
	if domain == "" {
		domain = s.FQDN(attempt.Subdomain)
	}
	if err := s.callHostingRemove(ctx, domain); err != nil {
		return "", fmt.Errorf("%w: remove hosting domain: %w", ErrExternal, err)
	}
	recordID := attempt.DNSRecordID
	if recordID == "" {
		findCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		found, err := s.dns.FindRecord(findCtx, domain)
		cancel()
		if err != nil {
			return "", fmt.Errorf("%w: find dns record: %w", ErrExternal, err)
		}
		recordID = found
	}
	if recordID != "" {
		if err := s.callDNSDelete(ctx, recordID); err != nil {
			return "", fmt.Errorf("%w: delete dns record: %w", ErrExternal, err)
		}
	}
	return models.ProvisioningStatusCompensated, nil
}

// mark moves the attempt out of its observed state; a concurrent change wins.
func (r *Reconciler) mark(ctx context.Context, attempt *models.ProvisioningAttempt, status models.ProvisioningStatus) (bool, error) {
	res := r.saga.db.WithContext(ctx).
		Model(&models.ProvisioningAttempt{}).
		Where("id = ? AND status = ?", attempt.ID, attempt.Status).
		Updates(map[string]any{"status": status, "updated_at": r.saga.now()})
	if res.Error != nil {
		return false, fmt.Errorf("provisioning: mark attempt %s: %w", attempt.Key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Reconciler) recordError(ctx context.Context, attempt *models.ProvisioningAttempt, cause error) {
	// updated_at is left alone so a stale attempt stays eligible on the next pass.
	err := r.saga.db.WithContext(ctx).
		Model(&models.ProvisioningAttempt{}).
		Where("id = ?", attempt.ID).
		UpdateColumn("error", cause.Error()).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.WithError(err).WithField("attempt", attempt.Key).Warn("provisioning: record reconcile error failed")
	}
}
